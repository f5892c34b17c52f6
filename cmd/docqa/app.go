package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/docqa/internal/chat"
	"github.com/kalambet/docqa/internal/chatlog"
	"github.com/kalambet/docqa/internal/composer"
	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/indexer"
	"github.com/kalambet/docqa/internal/ingest"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

// app wires every component from one Config. Close releases what it opened.
type app struct {
	cfg      config.Config
	engine   engine.Engine
	store    *storage.Store
	cache    *retrieval.BoltCache
	index    *retrieval.Index
	indexer  *indexer.Indexer
	history  chatlog.Log
	sessions *chat.Registry
	chat     *chat.Orchestrator
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func newApp(cfg config.Config) (*app, error) {
	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{cfg: cfg, engine: eng, store: store}

	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	if cfg.Retrieval.EmbedCache {
		cache, err := retrieval.OpenBoltCache(cfg.EmbedCachePath())
		if err != nil {
			slog.Warn("embedding cache unavailable", "path", cfg.EmbedCachePath(), "error", err)
		} else {
			a.cache = cache
			embedder = embedder.WithCache(cache)
		}
	}

	a.index = retrieval.NewIndex(embedder, retrieval.Options{
		Dir:       cfg.IndexDir(),
		Normalize: cfg.Retrieval.NormalizeVectors,
	})

	ocr := ingest.NewOCRExtractor(cfg.Ingest.OCRDPI, cfg.Ingest.OCRLanguages)
	ingestor := ingest.NewIngestor(
		ingest.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap),
		ingest.StructuredExtractor{}, ocr,
	)
	a.indexer = indexer.New(ingestor, a.index, store, cfg.Storage.DocsDir, indexer.Options{
		Include: cfg.IncludePatterns(),
		Workers: cfg.Ingest.Workers,
	})

	switch cfg.ChatLog.Backend {
	case chatlog.BackendSQLite:
		a.history = chatlog.NewStoreLog(store)
	default:
		a.history = chatlog.NewFileLog(cfg.ChatLogPath())
	}

	a.sessions = chat.NewRegistry(cfg.IdleTimeout())
	a.chat = chat.New(eng, a.index, composer.New(0), a.sessions, a.history, chat.Config{
		Model: cfg.Ollama.ChatModel,
		TopK:  cfg.Retrieval.TopK,
	})
	return a, nil
}

// loadIndex restores the persisted index. A missing or damaged index is
// reported but not fatal: searches fail with ErrNotLoaded until a rebuild.
func (a *app) loadIndex(ctx context.Context) {
	m, err := a.index.Load(ctx)
	if err != nil {
		if errors.Is(err, retrieval.ErrIntegrity) {
			slog.Warn("index not loaded; run `docqa index` or POST /index/rebuild", "dir", a.cfg.IndexDir(), "error", err)
		} else {
			slog.Error("loading index", "error", err)
		}
		return
	}
	slog.Info("index loaded", "chunks", m.Count, "generation", m.Generation, "model", m.Model)
}

func (a *app) Close() {
	a.chat.Wait()
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing embedding cache: %v\n", err)
		}
	}
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}
