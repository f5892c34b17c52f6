package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/docqa/internal/chatlog"
	"github.com/kalambet/docqa/internal/composer"
	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/retrieval"
)

// DefaultTopK is the number of chunks retrieved per question.
const DefaultTopK = 4

// Searcher finds the chunks closest to a query.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]retrieval.Result, error)
}

// HistoryWriter receives every completed exchange.
type HistoryWriter interface {
	Append(e chatlog.Entry) error
}

// Config holds the orchestrator settings.
type Config struct {
	Model string
	TopK  int
}

// Orchestrator answers questions within sessions: it retrieves context,
// composes the prompt, streams the backend reply and records the exchange.
type Orchestrator struct {
	engine   engine.Engine
	index    Searcher
	composer *composer.Composer
	sessions *Registry
	history  HistoryWriter
	model    string
	topK     int

	pending sync.WaitGroup
	logger  *slog.Logger
}

// New creates an Orchestrator. history may be nil.
func New(e engine.Engine, index Searcher, comp *composer.Composer, sessions *Registry, history HistoryWriter, cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if comp == nil {
		comp = composer.New(0)
	}
	if sessions == nil {
		sessions = NewRegistry(0)
	}
	return &Orchestrator{
		engine:   e,
		index:    index,
		composer: comp,
		sessions: sessions,
		history:  history,
		model:    cfg.Model,
		topK:     cfg.TopK,
		logger:   slog.Default(),
	}
}

// Sessions returns the session registry.
func (o *Orchestrator) Sessions() *Registry { return o.sessions }

// Submit starts answering text in the given session and returns the reply
// stream. The caller must drain or Close the stream. Errors returned here
// mean nothing was sent to the generation backend or it refused the request;
// the session history is unchanged in both cases. A Cancel that arrives
// before the first fragment yields a stream that is already finished and
// reports Cancelled.
func (o *Orchestrator) Submit(ctx context.Context, sessionID, text string) (*Stream, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrValidation)
	}

	sess := o.sessions.Get(sessionID)
	genCtx, err := sess.begin(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	results, err := o.index.Search(genCtx, text, o.topK)
	if err != nil {
		if s := o.cancelledBeforeReply(genCtx, sess, text, nil); s != nil {
			return s, nil
		}
		sess.end(time.Now())
		switch {
		case errors.Is(err, retrieval.ErrNotLoaded), errors.Is(err, retrieval.ErrIntegrity):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		return nil, &UpstreamError{Err: fmt.Errorf("retrieving context: %w", err)}
	}

	msgs := o.composer.Compose(results, sess.History(), text)
	src, err := o.engine.ChatStream(genCtx, o.model, msgs)
	if err != nil {
		if s := o.cancelledBeforeReply(genCtx, sess, text, results); s != nil {
			return s, nil
		}
		sess.end(time.Now())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UpstreamError{Err: err}
	}

	o.logger.Debug("generation started", "session_id", sessionID, "chunks", len(results), "messages", len(msgs))
	return &Stream{
		o:        o,
		sess:     sess,
		ctx:      genCtx,
		question: text,
		sources:  results,
		src:      src,
	}, nil
}

// cancelledBeforeReply returns a finished, cancelled stream with an empty
// reply if Cancel was requested for sess, and nil otherwise.
func (o *Orchestrator) cancelledBeforeReply(ctx context.Context, sess *Session, question string, sources []retrieval.Result) *Stream {
	if !sess.cancelled.Load() {
		return nil
	}
	s := &Stream{o: o, sess: sess, ctx: ctx, question: question, sources: sources}
	s.finish(true)
	return s
}

// Ask submits text and collects the whole reply.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, text string) (string, []retrieval.Result, error) {
	s, err := o.Submit(ctx, sessionID, text)
	if err != nil {
		return "", nil, err
	}
	defer s.Close()
	for s.Next() {
	}
	return s.Reply(), s.Sources(), s.Err()
}

// Cancel asks the reply in flight for sessionID to stop. Fragments already
// forwarded stay part of the committed reply. It reports whether a reply
// was in flight.
func (o *Orchestrator) Cancel(sessionID string) bool {
	sess, ok := o.sessions.Lookup(sessionID)
	if !ok {
		return false
	}
	return sess.requestCancel()
}

// Session returns a view of one session including its history.
func (o *Orchestrator) Session(sessionID string) (Info, error) {
	sess, ok := o.sessions.Lookup(sessionID)
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	return sess.Info(true), nil
}

// Wait blocks until pending history writes have finished.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

// record writes the exchange without blocking the stream consumer.
func (o *Orchestrator) record(sessionID, question, reply string) {
	if o.history == nil {
		return
	}
	entry := chatlog.Entry{User: question, Bot: reply, Timestamp: time.Now(), SessionID: sessionID}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		if err := o.history.Append(entry); err != nil {
			o.logger.Warn("failed to record chat history", "session_id", sessionID, "error", err)
		}
	}()
}
