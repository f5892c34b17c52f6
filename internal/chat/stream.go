package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/retrieval"
)

// Stream yields the reply fragments of one generation. It is finite and
// cannot be restarted:
//
//	for s.Next() {
//		fmt.Print(s.Fragment())
//	}
//	if err := s.Err(); err != nil { ... }
//
// When the stream ends naturally or through cancellation, the question and
// the fragments forwarded so far are committed to the session history.
// After a backend failure nothing is committed.
type Stream struct {
	o        *Orchestrator
	sess     *Session
	ctx      context.Context
	question string
	sources  []retrieval.Result
	src      engine.Stream

	reply     strings.Builder
	frag      string
	err       error
	done      bool
	cancelled bool
	once      sync.Once
}

// Next advances to the next fragment.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	if s.stopped() {
		s.finish(true)
		return false
	}

	frag, err := s.src.Recv()
	if errors.Is(err, io.EOF) {
		s.finish(false)
		return false
	}
	if err != nil {
		// Cancel closes the connection, so the read error is expected.
		if s.stopped() {
			s.finish(true)
			return false
		}
		s.err = &UpstreamError{Err: err}
		s.abort()
		return false
	}
	// The flag is checked again so that nothing is forwarded after Cancel.
	if s.stopped() {
		s.finish(true)
		return false
	}

	s.frag = frag
	s.reply.WriteString(frag)
	return true
}

// Fragment returns the fragment produced by the last successful Next.
func (s *Stream) Fragment() string { return s.frag }

// Err returns the backend failure that ended the stream, if any.
// Cancellation is not an error.
func (s *Stream) Err() error { return s.err }

// Cancelled reports whether the stream was stopped by Cancel.
func (s *Stream) Cancelled() bool { return s.cancelled }

// Reply returns everything forwarded so far.
func (s *Stream) Reply() string { return s.reply.String() }

// Sources returns the chunks the prompt was built from.
func (s *Stream) Sources() []retrieval.Result { return s.sources }

// SessionID returns the session the stream belongs to.
func (s *Stream) SessionID() string { return s.sess.ID }

// Close ends the stream. Closing before the end counts as cancellation.
func (s *Stream) Close() error {
	if !s.done {
		s.finish(true)
	}
	return nil
}

func (s *Stream) stopped() bool {
	return s.sess.cancelled.Load() || s.ctx.Err() != nil
}

func (s *Stream) finish(cancelled bool) {
	s.once.Do(func() {
		s.done = true
		s.cancelled = cancelled
		if s.src != nil {
			s.src.Close()
		}
		s.sess.commit(s.question, s.reply.String())
		s.sess.end(time.Now())
		s.o.record(s.sess.ID, s.question, s.reply.String())
		s.o.logger.Debug("generation finished", "session_id", s.sess.ID, "cancelled", cancelled, "chars", s.reply.Len())
	})
}

func (s *Stream) abort() {
	s.once.Do(func() {
		s.done = true
		s.src.Close()
		s.sess.end(time.Now())
		s.o.logger.Warn("generation failed", "session_id", s.sess.ID, "error", s.err)
	})
}
