package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes console counters that are safe to scrape via Prometheus.
// All methods are no-ops on a nil receiver.
type Metrics struct {
	registry       *prometheus.Registry
	polls          *prometheus.CounterVec
	streamBatches  prometheus.Counter
	streamDropped  prometheus.Counter
	submissions    *prometheus.CounterVec
	activeSessions prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates a fresh registry with the console metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerwan_console",
		Name:      "feed_polls_total",
		Help:      "Status feed fetches by feed and result",
	}, []string{"feed", "result"})

	streamBatches := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerwan_console",
		Name:      "log_stream_batches_total",
		Help:      "Log tail batches applied to a session buffer",
	})

	streamDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerwan_console",
		Name:      "log_stream_dropped_total",
		Help:      "Malformed log tail messages dropped",
	})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerwan_console",
		Name:      "policy_submissions_total",
		Help:      "Policy document submissions by result",
	}, []string{"result"})

	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerwan_console",
		Name:      "active_sessions",
		Help:      "Status sessions currently running",
	})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerwan_console",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests served by the console view server",
	}, []string{"method", "path", "status"})

	httpDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "peerwan_console",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by the console view server",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	registry.MustRegister(polls, streamBatches, streamDropped, submissions, activeSessions, httpRequests, httpDuration)

	return &Metrics{
		registry:       registry,
		polls:          polls,
		streamBatches:  streamBatches,
		streamDropped:  streamDropped,
		submissions:    submissions,
		activeSessions: activeSessions,
		httpRequests:   httpRequests,
		httpDuration:   httpDuration,
	}
}

// IncPoll counts one feed fetch by result (ok, error, unauthorized).
func (m *Metrics) IncPoll(feed, result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(feed, result).Inc()
}

// IncStreamBatch counts one applied log tail batch.
func (m *Metrics) IncStreamBatch() {
	if m == nil {
		return
	}
	m.streamBatches.Inc()
}

// IncStreamDropped counts one malformed log tail message.
func (m *Metrics) IncStreamDropped() {
	if m == nil {
		return
	}
	m.streamDropped.Inc()
}

// IncSubmission counts one policy submission.
func (m *Metrics) IncSubmission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

// SessionStarted and SessionStopped track the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpDuration.With(labels).Observe(duration.Seconds())
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
