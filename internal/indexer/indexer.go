// Package indexer rebuilds the embedding index from the document folder and
// records what happened to every file.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/kalambet/docqa/internal/ingest"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

// Scanner turns a folder into chunks.
type Scanner interface {
	Scan(ctx context.Context, root string, opts ingest.ScanOptions) (ingest.ScanResult, error)
}

// Builder replaces the index contents.
type Builder interface {
	Build(ctx context.Context, chunks []ingest.Chunk) (retrieval.Manifest, error)
}

// DocumentStore persists the per-file manifest.
type DocumentStore interface {
	ReplaceDocuments(docs []storage.Document) error
}

type Options struct {
	Include []string
	Workers int
}

// Result describes a completed rebuild.
type Result struct {
	Manifest retrieval.Manifest
	Reports  []ingest.FileReport
	Duration time.Duration
}

// Indexer runs scan, build and manifest update as one unit.
type Indexer struct {
	scanner Scanner
	builder Builder
	docs    DocumentStore
	root    string
	opts    Options

	mu     sync.Mutex
	logger *slog.Logger
}

// New creates an Indexer over the documents in root. docs may be nil.
func New(scanner Scanner, builder Builder, docs DocumentStore, root string, opts Options) *Indexer {
	return &Indexer{
		scanner: scanner,
		builder: builder,
		docs:    docs,
		root:    root,
		opts:    opts,
		logger:  slog.Default(),
	}
}

// Root returns the document folder.
func (x *Indexer) Root() string { return x.root }

// Rebuild scans the folder, builds a new index generation and replaces the
// document manifest. When the build fails the previous generation and
// manifest stay in place. onFile, if non-nil, is called as each file finishes.
func (x *Indexer) Rebuild(ctx context.Context, onFile func(ingest.FileReport)) (Result, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	start := time.Now()
	scan, err := x.scanner.Scan(ctx, x.root, ingest.ScanOptions{
		Include: x.opts.Include,
		Workers: x.opts.Workers,
		OnFile:  onFile,
	})
	if err != nil {
		return Result{}, fmt.Errorf("scanning %s: %w", x.root, err)
	}

	m, err := x.builder.Build(ctx, scan.Chunks)
	if err != nil {
		return Result{}, fmt.Errorf("building index: %w", err)
	}

	if x.docs != nil {
		if err := x.docs.ReplaceDocuments(x.documents(scan.Reports, m)); err != nil {
			// The new generation is already live at this point.
			x.logger.Warn("document manifest not updated", "error", err)
		}
	}

	res := Result{Manifest: m, Reports: scan.Reports, Duration: time.Since(start)}
	failed := 0
	for _, r := range scan.Reports {
		if r.Err != nil {
			failed++
		}
	}
	x.logger.Info("index rebuilt", "files", len(scan.Reports), "failed", failed,
		"chunks", m.Count, "generation", m.Generation)
	return res, nil
}

func (x *Indexer) documents(reports []ingest.FileReport, m retrieval.Manifest) []storage.Document {
	docs := make([]storage.Document, len(reports))
	for i, r := range reports {
		path := r.Path
		if rel, err := filepath.Rel(x.root, r.Path); err == nil {
			path = filepath.ToSlash(rel)
		}
		d := storage.Document{
			Path:       path,
			Method:     r.Method,
			Pages:      r.Pages,
			Chunks:     r.Chunks,
			Generation: m.Generation,
			IndexedAt:  m.BuiltAt,
		}
		if r.Err != nil {
			d.Error = r.Err.Error()
		}
		docs[i] = d
	}
	return docs
}
