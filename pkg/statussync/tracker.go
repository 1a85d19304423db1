package statussync

import (
	"context"
	"sync"
)

// Tracker starts sessions under one long-lived context and remembers the
// most recent one so views can reach it. Stopping is left to the owner of
// the returned session.
type Tracker struct {
	ctx  context.Context
	opts Options

	mu      sync.Mutex
	current *Session
}

// NewTracker binds session lifetimes to ctx.
func NewTracker(ctx context.Context, opts Options) *Tracker {
	return &Tracker{ctx: ctx, opts: opts}
}

// Start opens a session for nodeID and makes it current.
func (t *Tracker) Start(nodeID string) (*Session, error) {
	s, err := Start(t.ctx, nodeID, t.opts)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.current = s
	t.mu.Unlock()
	return s, nil
}

// Current is the latest session, or nil when none is running.
func (t *Tracker) Current() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil || t.current.Stopped() {
		return nil
	}
	return t.current
}
