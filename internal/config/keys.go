package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCQA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "DOCQA_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "server.api_token", typ: kString, env: "DOCQA_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DOCQA_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "DOCQA_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DOCQA_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCQA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.docs_dir", typ: kString, env: "DOCQA_STORAGE_DOCS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DocsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DocsDir },
	},
	{
		key: "ingest.chunk_size", typ: kInt, env: "DOCQA_INGEST_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkSize },
	},
	{
		key: "ingest.chunk_overlap", typ: kInt, env: "DOCQA_INGEST_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "ingest.ocr_dpi", typ: kInt, env: "DOCQA_INGEST_OCR_DPI",
		apply:   func(cfg *Config, v any) { cfg.Ingest.OCRDPI = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.OCRDPI },
	},
	{
		key: "ingest.ocr_languages", typ: kString, env: "DOCQA_INGEST_OCR_LANGUAGES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.OCRLanguages = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.OCRLanguages },
	},
	{
		key: "ingest.workers", typ: kInt, env: "DOCQA_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.include", typ: kString, env: "DOCQA_INGEST_INCLUDE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Include = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.Include },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "DOCQA_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.normalize_vectors", typ: kBool, env: "DOCQA_RETRIEVAL_NORMALIZE_VECTORS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.NormalizeVectors = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.NormalizeVectors },
	},
	{
		key: "retrieval.embed_cache", typ: kBool, env: "DOCQA_RETRIEVAL_EMBED_CACHE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.EmbedCache = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.EmbedCache },
	},
	{
		key: "session.idle_timeout", typ: kString, env: "DOCQA_SESSION_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Session.IdleTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.IdleTimeout },
	},
	{
		key: "chatlog.backend", typ: kString, env: "DOCQA_CHATLOG_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.ChatLog.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.ChatLog.Backend },
	},
	{
		key: "chatlog.path", typ: kString, env: "DOCQA_CHATLOG_PATH",
		apply:   func(cfg *Config, v any) { cfg.ChatLog.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.ChatLog.Path },
	},
	{
		key: "log.level", typ: kString, env: "DOCQA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
