package api

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/kalambet/docqa/internal/chat"
	"github.com/kalambet/docqa/internal/chatlog"
	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/ingest"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

type fakeEngine struct {
	fragments []string
	openErr   error
	block     bool
}

func (e *fakeEngine) ChatStream(ctx context.Context, _ string, _ []engine.Message) (engine.Stream, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	return &fakeStream{ctx: ctx, fragments: e.fragments, block: e.block}, nil
}

func (e *fakeEngine) Chat(context.Context, string, []engine.Message) (string, error) {
	return "", errors.New("not implemented")
}
func (e *fakeEngine) Embed(context.Context, string, string) ([]float32, error) {
	return nil, errors.New("not implemented")
}
func (e *fakeEngine) IsRunning(context.Context) bool               { return true }
func (e *fakeEngine) ListModels(context.Context) ([]string, error) { return nil, nil }
func (e *fakeEngine) HasModel(context.Context, string) bool        { return true }
func (e *fakeEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

type fakeStream struct {
	ctx       context.Context
	fragments []string
	block     bool
	pos       int
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
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

type fakeIndex struct {
	results []retrieval.Result
	err     error
	loaded  bool
	lastK   int
}

func (f *fakeIndex) Search(_ context.Context, _ string, k int) ([]retrieval.Result, error) {
	f.lastK = k
	if f.err != nil {
		return nil, f.err
	}
	return f.results[:min(k, len(f.results))], nil
}

func (f *fakeIndex) Manifest() (retrieval.Manifest, bool) {
	if !f.loaded {
		return retrieval.Manifest{}, false
	}
	return retrieval.Manifest{Generation: "gen-test", Count: len(f.results)}, true
}

func sampleResults() []retrieval.Result {
	return []retrieval.Result{
		{Chunk: ingest.Chunk{Text: "Paris is the capital of France.", Source: "geo.pdf", Page: 1, EndPage: 1, Method: ingest.MethodStructured}, Distance: 0.1, Position: 0},
		{Chunk: ingest.Chunk{Text: "Lyon is on the Rhone.", Source: "geo.pdf", Page: 2, EndPage: 2, Method: ingest.MethodStructured}, Distance: 0.4, Position: 1},
		{Chunk: ingest.Chunk{Text: "Scanned page.", Source: "scan.pdf", Page: 1, EndPage: 1, Method: ingest.MethodOCR}, Distance: 0.9, Position: 2},
	}
}

type testEnv struct {
	deps   Deps
	store  *storage.Store
	index  *fakeIndex
	engine *fakeEngine
	log    *chatlog.FileLog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := &fakeIndex{results: sampleResults(), loaded: true}
	eng := &fakeEngine{fragments: []string{"Paris", " is", " the capital."}}
	log := chatlog.NewFileLog(t.TempDir() + "/chat_history.jsonl")
	orch := chat.New(eng, idx, nil, chat.NewRegistry(0), log, chat.Config{Model: "test-model", TopK: 2})

	return &testEnv{
		deps: Deps{
			Chat:      orch,
			Index:     idx,
			Documents: store,
			Jobs:      store,
			History:   log,
			TopK:      2,
		},
		store:  store,
		index:  idx,
		engine: eng,
		log:    log,
	}
}
