package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long an unused session is kept.
const DefaultIdleTimeout = 30 * time.Minute

// Registry owns all sessions. Sessions are created on first use and evicted
// explicitly or after sitting idle.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	idle     time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewRegistry creates a Registry. idle <= 0 uses DefaultIdleTimeout.
func NewRegistry(idle time.Duration) *Registry {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Registry{
		sessions: make(map[string]*Session),
		idle:     idle,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Get returns the session with id, creating it if needed.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession(id, r.now())
		r.sessions[id] = s
	}
	return s
}

// Lookup returns an existing session without creating one.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Evict removes a session, cancelling any reply in flight. It reports
// whether the session existed.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.requestCancel()
	}
	return ok
}

// EvictIdle removes sessions with no activity for longer than the idle
// timeout. Sessions with a reply in flight are kept.
func (r *Registry) EvictIdle() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for id, s := range r.sessions {
		idle, busy := s.idleSince(now)
		if busy || idle <= r.idle {
			continue
		}
		delete(r.sessions, id)
		n++
	}
	return n
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns a summary of every session ordered by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info(false)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run evicts idle sessions periodically until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictIdle(); n > 0 {
				r.logger.Info("evicted idle sessions", "count", n, "remaining", r.Len())
			}
		}
	}
}
