package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/docqa/internal/engine"
	"golang.org/x/sync/errgroup"
)

// embedConcurrency bounds in-flight embed requests per batch.
const embedConcurrency = 4

var errEmptyVector = errors.New("engine returned an empty vector")

// Cache stores embeddings keyed by model and text.
type Cache interface {
	Get(model, text string) ([]float32, bool)
	Put(model, text string, vec []float32) error
}

// Embedder turns chunk texts and queries into vectors with one fixed model.
type Embedder struct {
	engine engine.Engine
	model  string
	cache  Cache
}

func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model}
}

// WithCache makes the Embedder consult c before calling the engine.
func (e *Embedder) WithCache(c Cache) *Embedder {
	e.cache = c
	return e
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch embeds texts concurrently. The i-th vector belongs to texts[i].
// The first failure cancels the remaining requests. Empty input yields nil.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i := range texts {
		g.Go(func() error {
			vec, err := e.embed(gctx, texts[i])
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Embedder) embed(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if vec, ok := e.cache.Get(e.model, text); ok {
			return vec, nil
		}
	}
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, errEmptyVector
	}
	if e.cache != nil {
		if err := e.cache.Put(e.model, text, vec); err != nil {
			slog.Debug("embedding cache write failed", "model", e.model, "error", err)
		}
	}
	return vec, nil
}
