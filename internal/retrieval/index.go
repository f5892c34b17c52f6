package retrieval

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/docqa/internal/ingest"
	"github.com/kalambet/docqa/internal/textnorm"
)

var (
	// ErrIntegrity means vectors and chunk metadata disagree, or persisted
	// artifacts are incomplete or corrupt.
	ErrIntegrity = errors.New("index integrity violation")

	// ErrNotLoaded is returned by Search before any successful Build or Load.
	ErrNotLoaded = errors.New("index not loaded")
)

// TextEmbedder turns text into vectors with a single fixed model.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Result is one search hit.
type Result struct {
	Chunk    ingest.Chunk `json:"chunk"`
	Distance float32      `json:"distance"`
	Position int          `json:"position"`
}

// generation is an immutable, complete index. vectors[i] belongs to chunks[i].
type generation struct {
	manifest Manifest
	vectors  [][]float32
	chunks   []ingest.Chunk
}

// Options configures an Index.
type Options struct {
	// Dir holds the persisted artifacts. Empty keeps the index in memory only.
	Dir string
	// Normalize scales vectors to unit length at build and query time, making
	// the ranking equivalent to cosine similarity.
	Normalize bool
}

// Index is a flat exhaustive nearest-neighbour index under squared Euclidean
// distance. Searches read the current generation without locking; builds are
// serialized and publish a new generation only after it is persisted.
type Index struct {
	embedder  TextEmbedder
	dir       string
	normalize bool

	buildMu sync.Mutex
	current atomic.Pointer[generation]
	logger  *slog.Logger
}

// NewIndex creates an empty Index. Call Build or Load before Search.
func NewIndex(embedder TextEmbedder, opts Options) *Index {
	return &Index{
		embedder:  embedder,
		dir:       opts.Dir,
		normalize: opts.Normalize,
		logger:    slog.Default(),
	}
}

// Build embeds every chunk, persists the result and makes it the current
// generation. On any failure the previous generation stays in place.
func (ix *Index) Build(ctx context.Context, chunks []ingest.Chunk) (Manifest, error) {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	start := time.Now()
	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return Manifest{}, fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return Manifest{}, fmt.Errorf("%w: %d vectors for %d chunks", ErrIntegrity, len(vecs), len(chunks))
	}

	dim := 0
	if len(vecs) > 0 {
		dim = len(vecs[0])
	}
	for i, v := range vecs {
		if len(v) == 0 || len(v) != dim {
			return Manifest{}, fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrIntegrity, i, len(v), dim)
		}
		if ix.normalize {
			cp := make([]float32, len(v))
			copy(cp, v)
			normalize(cp)
			vecs[i] = cp
		}
	}

	gen := &generation{
		manifest: Manifest{
			Generation: uuid.New().String(),
			Model:      ix.embedder.Model(),
			Count:      len(chunks),
			Dimension:  dim,
			Normalized: ix.normalize,
			BuiltAt:    time.Now().UTC(),
		},
		vectors: vecs,
		chunks:  append([]ingest.Chunk(nil), chunks...),
	}

	// Nothing is published for a cancelled build, even when every vector
	// came from the cache.
	if err := ctx.Err(); err != nil {
		return Manifest{}, err
	}
	if ix.dir != "" {
		if err := ix.persist(gen); err != nil {
			return Manifest{}, fmt.Errorf("persisting index: %w", err)
		}
	}
	ix.current.Store(gen)
	ix.logger.Info("index built", "chunks", gen.manifest.Count, "dimension", dim,
		"generation", gen.manifest.Generation, "duration", time.Since(start).Round(time.Millisecond))
	return gen.manifest, nil
}

// Load restores the persisted generation. A missing or inconsistent set of
// artifacts yields ErrIntegrity and leaves the current generation unchanged.
func (ix *Index) Load(ctx context.Context) (Manifest, error) {
	if ix.dir == "" {
		return Manifest{}, fmt.Errorf("%w: no index directory configured", ErrIntegrity)
	}
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	gen, err := ix.readGeneration()
	if err != nil {
		return Manifest{}, err
	}
	if m := ix.embedder.Model(); gen.manifest.Model != m {
		return Manifest{}, fmt.Errorf("%w: index built with model %q, configured model is %q", ErrIntegrity, gen.manifest.Model, m)
	}
	ix.current.Store(gen)
	ix.logger.Info("index loaded", "chunks", gen.manifest.Count, "generation", gen.manifest.Generation)
	return gen.manifest, nil
}

// Manifest describes the current generation. ok is false if none is loaded.
func (ix *Index) Manifest() (m Manifest, ok bool) {
	gen := ix.current.Load()
	if gen == nil {
		return Manifest{}, false
	}
	return gen.manifest, true
}

// Search returns up to k chunks nearest to query, closest first. Equal
// distances keep index order. The query goes through the same text
// normalization as ingested documents.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Result, error) {
	gen := ix.current.Load()
	if gen == nil {
		return nil, ErrNotLoaded
	}
	if k <= 0 || len(gen.vectors) == 0 {
		return nil, nil
	}

	q, err := ix.embedder.Embed(ctx, textnorm.Fix(query))
	if err != nil {
		return nil, err
	}
	if len(q) != gen.manifest.Dimension {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d", ErrIntegrity, len(q), gen.manifest.Dimension)
	}
	if gen.manifest.Normalized {
		normalize(q)
	}

	positions := nearest(gen.vectors, q, k)
	results := make([]Result, 0, len(positions))
	for _, p := range positions {
		if p.pos < 0 || p.pos >= len(gen.chunks) {
			ix.logger.Warn("search returned out-of-range position", "position", p.pos, "chunks", len(gen.chunks))
			continue
		}
		results = append(results, Result{Chunk: gen.chunks[p.pos], Distance: p.dist, Position: p.pos})
	}
	return results, nil
}

type candidate struct {
	pos  int
	dist float32
}

// worse reports whether a ranks after b.
func worse(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist > b.dist
	}
	return a.pos > b.pos
}

// nearest returns the k best candidates in ranked order.
func nearest(vecs [][]float32, q []float32, k int) []candidate {
	h := &candidateHeap{}
	for i, v := range vecs {
		c := candidate{pos: i, dist: squaredL2(q, v)}
		if h.Len() < k {
			heap.Push(h, c)
		} else if worse((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	out := make([]candidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(candidate)
	}
	return out
}

// candidateHeap keeps the worst candidate on top.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
