package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"peer-wan-console/pkg/client"
	"peer-wan-console/pkg/journal"
	"peer-wan-console/pkg/metrics"
	"peer-wan-console/pkg/model"
	"peer-wan-console/pkg/policy"
	"peer-wan-console/pkg/statussync"
	"peer-wan-console/pkg/topology"
)

// MeshSource fetches the topology snapshot.
type MeshSource interface {
	Mesh(ctx context.Context) (model.Mesh, error)
}

// StatusSource exposes the running status session, if any.
type StatusSource interface {
	Current() *statussync.Session
}

// HistorySource lists journaled rule edits.
type HistorySource interface {
	List(ctx context.Context, nodeID string, limit int) ([]journal.Op, error)
}

// Options wires a Server. Mesh and Controller are required.
type Options struct {
	Mesh       MeshSource
	Controller *policy.Controller
	Status     StatusSource
	Expander   *policy.Expander
	History    HistorySource
	Plane      topology.Plane
	Metrics    *metrics.Metrics
	Log        zerolog.Logger
}

// Server is the local console view: it exposes the map, path editor, rule
// list and status session of the open node over HTTP and WebSocket.
type Server struct {
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer builds a Server.
func NewServer(opts Options) *Server {
	if opts.Plane.Width <= 0 || opts.Plane.Height <= 0 {
		opts.Plane = topology.DefaultPlane
	}
	return &Server{
		opts: opts,
		log:  opts.Log.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	// streams must not inherit the request timeout
	r.Get("/ws/logs", s.handleLogRelay)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Route("/api", func(r chi.Router) {
			r.Get("/mesh", s.handleMesh)
			r.Get("/mesh.svg", s.handleMeshSVG)

			r.Route("/session", func(r chi.Router) {
				r.Get("/", s.handleSessionView)
				r.Post("/", s.handleSessionOpen)
				r.Delete("/", s.handleSessionClose)
				r.Post("/refresh", s.handleSessionRefresh)
				r.Post("/reload", s.handleSessionReload)
			})

			r.Route("/path", func(r chi.Router) {
				r.Get("/", s.handlePathView)
				r.Post("/pick", s.handlePathPick)
				r.Post("/confirm", s.handlePathConfirm)
				r.Post("/cancel", s.handlePathCancel)
			})

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.handleRulesList)
				r.Post("/", s.handleRuleAdd)
				r.Delete("/{index}", s.handleRuleRemove)
				r.Get("/{index}/preview", s.handleRulePreview)
			})

			r.Get("/defaults", s.handleDefaultsGet)
			r.Put("/defaults", s.handleDefaultsPut)
			r.Post("/submit", s.handleSubmit)
			r.Get("/policy/raw", s.handleRawPolicy)
			r.Post("/diagnose", s.handleDiagnose)
			r.Get("/history", s.handleHistory)
		})
	})

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.opts.Metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	})
}

// writeFailure maps domain errors onto HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var se *client.StatusError
	switch {
	case errors.Is(err, policy.ErrNoSession):
		writeError(w, http.StatusConflict, "no_session", err.Error())
	case errors.Is(err, policy.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, "invalid_rule", err.Error())
	case errors.Is(err, policy.ErrNotLoaded):
		writeError(w, http.StatusConflict, "policy_not_loaded", err.Error())
	case errors.Is(err, policy.ErrRuleIndex):
		writeError(w, http.StatusNotFound, "rule_not_found", err.Error())
	case errors.Is(err, statussync.ErrStopped):
		writeError(w, http.StatusConflict, "session_stopped", err.Error())
	case errors.Is(err, client.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "controller rejected the credential; log in again")
	case errors.As(err, &se):
		writeError(w, http.StatusBadGateway, "controller_error", se.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
