package statussync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"peer-wan-console/pkg/client"
	"peer-wan-console/pkg/metrics"
	"peer-wan-console/pkg/model"
)

const (
	// DefaultInterval is the install log and task poll period.
	DefaultInterval = 4 * time.Second
	// DefaultInstallLogLimit is the page size requested from the status endpoint.
	DefaultInstallLogLimit = 40
	// DefaultStreamRetry is the wait before redialing a dropped log tail.
	DefaultStreamRetry = 5 * time.Second
)

// ErrStopped is returned by refresh calls on a session that has been stopped.
var ErrStopped = errors.New("status session stopped")

// Source is the controller surface a session reads from. *client.Client satisfies it.
type Source interface {
	InstallLogs(ctx context.Context, nodeID string, limit int) ([]model.InstallLogEntry, error)
	Tasks(ctx context.Context, nodeID string) ([]model.Task, error)
	SendCommand(ctx context.Context, nodeID, action string) error
	Diagnostics(ctx context.Context, nodeID string, limit int) ([]model.DiagnosticResult, error)
	DialLogs(ctx context.Context, nodeID string) (client.LogStream, error)
}

// Options configures a Session. Source is required.
type Options struct {
	Source          Source
	Interval        time.Duration
	InstallLogLimit int
	BufferSize      int
	StreamRetry     time.Duration
	Metrics         *metrics.Metrics
	// OnUnauthorized is called once per feed that hits a rejected credential.
	// The feed stops; re-authentication belongs to the caller. It runs on the
	// feed goroutine and must not call Stop synchronously.
	OnUnauthorized func(err error)
	Now            func() time.Time
	Log            zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.InstallLogLimit <= 0 {
		o.InstallLogLimit = DefaultInstallLogLimit
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.StreamRetry <= 0 {
		o.StreamRetry = DefaultStreamRetry
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Session owns the three live feeds of one node: the install log poll, the
// task poll and the log tail stream. They start together in Start and stop
// together in Stop. Results that complete after Stop are discarded.
type Session struct {
	id     string
	nodeID string
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	stopped      bool
	stream       client.LogStream
	buf          *LogBuffer
	latest       *model.InstallLogEntry
	installLogs  []model.InstallLogEntry
	tasks        []model.Task
	diag         *model.DiagnosticResult
	logsUpdated  time.Time
	tasksUpdated time.Time
	subs         map[int]chan []string
	nextSub      int
}

// Start opens a session for nodeID and launches its feeds. ctx bounds the
// session in addition to Stop.
func Start(ctx context.Context, nodeID string, opts Options) (*Session, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("status source is required")
	}
	if nodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	opts.applyDefaults()
	id := uuid.NewString()
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     id,
		nodeID: nodeID,
		opts:   opts,
		log:    opts.Log.With().Str("session", id).Str("nodeId", nodeID).Logger(),
		ctx:    sctx,
		cancel: cancel,
		buf:    NewLogBuffer(opts.BufferSize),
		subs:   map[int]chan []string{},
	}
	opts.Metrics.SessionStarted()
	s.wg.Add(3)
	go s.poll("install_logs", s.fetchInstallLogs)
	go s.poll("tasks", s.fetchTasks)
	go s.tail()
	s.log.Info().Msg("status session started")
	return s, nil
}

// ID is the session identifier.
func (s *Session) ID() string { return s.id }

// NodeID is the node this session is bound to.
func (s *Session) NodeID() string { return s.nodeID }

// Stop cancels both timers, closes the stream and waits for the feeds to exit.
// It is safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	stream := s.stream
	s.stream = nil
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()

	s.cancel()
	if stream != nil {
		_ = stream.Close()
	}
	s.wg.Wait()
	s.opts.Metrics.SessionStopped()
	s.log.Info().Msg("status session stopped")
}

// Stopped reports whether Stop has been called.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Snapshot copies the current display state.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		SessionID:    s.id,
		NodeID:       s.nodeID,
		InstallLogs:  append([]model.InstallLogEntry{}, s.installLogs...),
		Tasks:        append([]model.Task{}, s.tasks...),
		LogLines:     s.buf.Lines(),
		LogsUpdated:  s.logsUpdated,
		TasksUpdated: s.tasksUpdated,
	}
	if s.latest != nil {
		latest := *s.latest
		v.Latest = &latest
		v.LatestColor = model.StatusColor(latest.Status)
	}
	if s.diag != nil {
		d := *s.diag
		v.Diagnostics = &d
	}
	return v
}

// Subscribe delivers each stamped log batch as it is applied. The channel is
// closed on Stop or when the returned cancel func runs. Slow subscribers miss
// batches rather than block the stream.
func (s *Session) Subscribe() (<-chan []string, func()) {
	_, ch, cancel := s.SubscribeWithBacklog()
	return ch, cancel
}

// SubscribeWithBacklog is Subscribe plus the buffered lines, newest first,
// taken under the same lock so no batch is both in the backlog and on the
// channel.
func (s *Session) SubscribeWithBacklog() ([]string, <-chan []string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backlog := s.buf.Lines()
	ch := make(chan []string, 16)
	if s.stopped {
		close(ch)
		return backlog, ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return backlog, ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

// RefreshLogs fetches the install log now, outside the timer.
func (s *Session) RefreshLogs(ctx context.Context) error {
	if s.Stopped() {
		return ErrStopped
	}
	return s.fetchInstallLogs(ctx)
}

// RefreshTasks fetches the task timeline now, outside the timer.
func (s *Session) RefreshTasks(ctx context.Context) error {
	if s.Stopped() {
		return ErrStopped
	}
	return s.fetchTasks(ctx)
}

// RefreshDiagnostics asks the agent for a fresh diagnostic run and then reads
// the latest stored result. The command and the read are not ordered, so the
// result may predate the command; callers retry the read if needed.
func (s *Session) RefreshDiagnostics(ctx context.Context) (*model.DiagnosticResult, error) {
	if s.Stopped() {
		return nil, ErrStopped
	}
	if err := s.opts.Source.SendCommand(ctx, s.nodeID, "diag"); err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			return nil, err
		}
		s.log.Warn().Err(err).Msg("diag command failed")
	}
	items, err := s.opts.Source.Diagnostics(ctx, s.nodeID, 1)
	if err != nil {
		s.opts.Metrics.IncPoll("diagnostics", "error")
		return nil, err
	}
	s.opts.Metrics.IncPoll("diagnostics", "ok")
	if len(items) == 0 {
		return nil, nil
	}
	latest := items[len(items)-1]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	s.diag = &latest
	out := latest
	return &out, nil
}

func (s *Session) fetchInstallLogs(ctx context.Context) error {
	entries, err := s.opts.Source.InstallLogs(ctx, s.nodeID, s.opts.InstallLogLimit)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.installLogs = newestFirst(entries)
	s.latest = nil
	if len(entries) > 0 {
		latest := entries[len(entries)-1]
		s.latest = &latest
	}
	s.logsUpdated = s.opts.Now()
	return nil
}

func (s *Session) fetchTasks(ctx context.Context) error {
	tasks, err := s.opts.Source.Tasks(ctx, s.nodeID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.tasks = append([]model.Task{}, tasks...)
	s.tasksUpdated = s.opts.Now()
	return nil
}

// poll runs fetch immediately and then on every tick until the session ends.
func (s *Session) poll(feed string, fetch func(context.Context) error) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		if !s.runFetch(feed, fetch) {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runFetch reports whether the feed should keep going.
func (s *Session) runFetch(feed string, fetch func(context.Context) error) bool {
	err := fetch(s.ctx)
	switch {
	case err == nil:
		s.opts.Metrics.IncPoll(feed, "ok")
		return true
	case s.ctx.Err() != nil:
		return false
	case errors.Is(err, client.ErrUnauthorized):
		s.opts.Metrics.IncPoll(feed, "unauthorized")
		s.unauthorized(err)
		return false
	default:
		s.opts.Metrics.IncPoll(feed, "error")
		s.log.Warn().Err(err).Str("feed", feed).Msg("poll failed")
		return true
	}
}

func (s *Session) unauthorized(err error) {
	s.log.Warn().Err(err).Msg("credential rejected")
	if s.opts.OnUnauthorized != nil {
		s.opts.OnUnauthorized(err)
	}
}

// tail keeps the log stream connected, redialing after drops.
func (s *Session) tail() {
	defer s.wg.Done()
	for {
		stream, err := s.opts.Source.DialLogs(s.ctx, s.nodeID)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, client.ErrUnauthorized) {
				s.unauthorized(err)
				return
			}
			s.log.Warn().Err(err).Msg("log tail dial failed")
		} else {
			if !s.attach(stream) {
				_ = stream.Close()
				return
			}
			s.read(stream)
			s.detach(stream)
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn().Msg("log tail disconnected")
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.opts.StreamRetry):
		}
	}
}

func (s *Session) attach(stream client.LogStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stream = stream
	return true
}

func (s *Session) detach(stream client.LogStream) {
	s.mu.Lock()
	if s.stream == stream {
		s.stream = nil
	}
	s.mu.Unlock()
	_ = stream.Close()
}

type tailMessage struct {
	Lines []string `json:"lines"`
}

func (s *Session) read(stream client.LogStream) {
	for {
		_, msg, err := stream.ReadMessage()
		if err != nil {
			return
		}
		var m tailMessage
		if err := json.Unmarshal(msg, &m); err != nil || m.Lines == nil {
			s.opts.Metrics.IncStreamDropped()
			s.log.Debug().Int("bytes", len(msg)).Msg("log tail message dropped")
			continue
		}
		s.apply(m.Lines)
	}
}

func (s *Session) apply(lines []string) {
	if len(lines) == 0 {
		return
	}
	stamp := s.opts.Now().Format("15:04:05")
	batch := make([]string, len(lines))
	for i, l := range lines {
		batch[i] = "[" + stamp + "] " + l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.buf.Prepend(batch...)
	s.opts.Metrics.IncStreamBatch()
	for _, ch := range s.subs {
		select {
		case ch <- batch:
		default:
		}
	}
}
