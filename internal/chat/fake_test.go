package chat

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/kalambet/docqa/internal/chatlog"
	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/ingest"
	"github.com/kalambet/docqa/internal/retrieval"
)

// scriptedEngine replies to ChatStream with a fixed list of fragments.
type scriptedEngine struct {
	mu        sync.Mutex
	fragments []string
	midErr    error // returned after all fragments instead of io.EOF
	openErr   error
	block     bool // after the fragments, wait for ctx instead of ending
	calls     [][]engine.Message
	streams   []*fakeStream
}

func (e *scriptedEngine) ChatStream(ctx context.Context, _ string, msgs []engine.Message) (engine.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, msgs)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.openErr != nil {
		return nil, e.openErr
	}
	s := &fakeStream{ctx: ctx, fragments: e.fragments, midErr: e.midErr, block: e.block}
	e.streams = append(e.streams, s)
	return s, nil
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *scriptedEngine) Chat(context.Context, string, []engine.Message) (string, error) {
	return "", errors.New("not implemented")
}
func (e *scriptedEngine) Embed(context.Context, string, string) ([]float32, error) {
	return nil, errors.New("not implemented")
}
func (e *scriptedEngine) IsRunning(context.Context) bool                  { return true }
func (e *scriptedEngine) ListModels(context.Context) ([]string, error)    { return nil, nil }
func (e *scriptedEngine) HasModel(context.Context, string) bool           { return true }
func (e *scriptedEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

type fakeStream struct {
	ctx       context.Context
	fragments []string
	midErr    error
	block     bool
	pos       int
	closed    bool
}

func (s *fakeStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos < len(s.fragments) {
		f := s.fragments[s.pos]
		s.pos++
		return f, nil
	}
	if s.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.midErr != nil {
		return "", s.midErr
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// fakeIndex returns fixed results. hook, if set, runs first and its error
// is returned instead.
type fakeIndex struct {
	results []retrieval.Result
	err     error
	hook    func(ctx context.Context) error
	queries []string
}

func (f *fakeIndex) Search(ctx context.Context, query string, k int) ([]retrieval.Result, error) {
	f.queries = append(f.queries, query)
	if f.hook != nil {
		if err := f.hook(ctx); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results[:min(k, len(f.results))], nil
}

func chunkResults(texts ...string) []retrieval.Result {
	out := make([]retrieval.Result, len(texts))
	for i, t := range texts {
		out[i] = retrieval.Result{Chunk: ingest.Chunk{Text: t}, Position: i}
	}
	return out
}

// memLog is an in-memory chat log.
type memLog struct {
	mu      sync.Mutex
	entries []chatlog.Entry
}

func (l *memLog) Append(e chatlog.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLog) all() []chatlog.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chatlog.Entry(nil), l.entries...)
}
