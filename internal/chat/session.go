package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/docqa/internal/engine"
)

// Session is one conversation: an ordered turn history plus the state of
// the reply currently being generated, if any.
type Session struct {
	ID string

	mu         sync.Mutex
	history    []engine.Message
	busy       bool
	stop       context.CancelFunc
	createdAt  time.Time
	lastActive time.Time

	// cancelled is read on every fragment without taking mu.
	cancelled atomic.Bool
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         string           `json:"session_id"`
	Turns      int              `json:"turns"`
	Busy       bool             `json:"busy"`
	CreatedAt  time.Time        `json:"created_at"`
	LastActive time.Time        `json:"last_active"`
	History    []engine.Message `json:"history,omitempty"`
}

func newSession(id string, now time.Time) *Session {
	return &Session{ID: id, createdAt: now, lastActive: now}
}

// begin marks a generation as in flight and returns the context that
// Cancel tears down.
func (s *Session) begin(parent context.Context, now time.Time) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return nil, ErrSessionBusy
	}
	ctx, cancel := context.WithCancel(parent)
	s.busy = true
	s.stop = cancel
	s.cancelled.Store(false)
	s.lastActive = now
	return ctx, nil
}

func (s *Session) end(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.busy = false
	s.lastActive = now
}

// requestCancel sets the cancellation flag and closes the backend
// connection. It reports whether a generation was in flight.
func (s *Session) requestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy {
		return false
	}
	s.cancelled.Store(true)
	if s.stop != nil {
		s.stop()
	}
	return true
}

// commit appends a user turn and the assistant turn that answered it.
func (s *Session) commit(question, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		engine.Message{Role: engine.RoleUser, Content: question},
		engine.Message{Role: engine.RoleAssistant, Content: reply},
	)
}

// History returns a copy of the committed turns.
func (s *Session) History() []engine.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Message(nil), s.history...)
}

func (s *Session) Info(withHistory bool) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:         s.ID,
		Turns:      len(s.history),
		Busy:       s.busy,
		CreatedAt:  s.createdAt,
		LastActive: s.lastActive,
	}
	if withHistory {
		info.History = append([]engine.Message(nil), s.history...)
	}
	return info
}

func (s *Session) idleSince(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive), s.busy
}
