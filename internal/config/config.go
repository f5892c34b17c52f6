package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Ingest    IngestConfig
	Retrieval RetrievalConfig
	Session   SessionConfig
	ChatLog   ChatLogConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
	APIToken       string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
	DocsDir string
}

type IngestConfig struct {
	ChunkSize    int
	ChunkOverlap int
	OCRDPI       int
	OCRLanguages string
	Workers      int
	Include      string // comma-separated glob patterns
}

type RetrievalConfig struct {
	TopK             int
	NormalizeVectors bool
	EmbedCache       bool
}

type SessionConfig struct {
	IdleTimeout string
}

type ChatLogConfig struct {
	Backend string
	Path    string // empty means <data_dir>/chat_history.jsonl
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4000,
			MaxConnections: 64,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1",
			EmbedModel: "all-minilm",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			DocsDir: "./pdfs",
		},
		Ingest: IngestConfig{
			ChunkSize:    1000,
			ChunkOverlap: 200,
			OCRDPI:       300,
			OCRLanguages: "fra+eng",
			Workers:      2,
			Include:      "**/*.pdf",
		},
		Retrieval: RetrievalConfig{
			TopK:       4,
			EmbedCache: true,
		},
		Session: SessionConfig{
			IdleTimeout: "30m",
		},
		ChatLog: ChatLogConfig{
			Backend: "file",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/docqa/config.yaml, then applies DOCQA_* environment
// variables on top. Secrets are only read from the environment.
func Load() (Config, error) {
	return loadFromPath(ConfigFilePath())
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("invalid config: ingest.chunk_size must be positive")
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("invalid config: ingest.chunk_overlap must be in [0, chunk_size)")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("invalid config: retrieval.top_k must be positive")
	}
	if _, err := time.ParseDuration(c.Session.IdleTimeout); err != nil {
		return fmt.Errorf("invalid config: session.idle_timeout: %w", err)
	}
	switch c.ChatLog.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("invalid config: chatlog.backend %q (want file or sqlite)", c.ChatLog.Backend)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid config: log.level %q", c.Log.Level)
	}
	return nil
}

// IdleTimeout returns the parsed session idle timeout.
func (c Config) IdleTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Session.IdleTimeout)
	return d
}

// IndexDir is where index artifacts live.
func (c Config) IndexDir() string {
	return filepath.Join(c.Storage.DataDir, "index")
}

// EmbedCachePath is the bbolt embedding cache file.
func (c Config) EmbedCachePath() string {
	return filepath.Join(c.Storage.DataDir, "embeddings.db")
}

// ChatLogPath resolves the NDJSON chat log location.
func (c Config) ChatLogPath() string {
	if c.ChatLog.Path != "" {
		return c.ChatLog.Path
	}
	return filepath.Join(c.Storage.DataDir, "chat_history.jsonl")
}

// IncludePatterns splits the include setting into glob patterns.
func (c Config) IncludePatterns() []string {
	var out []string
	for _, p := range strings.Split(c.Ingest.Include, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "docqa-data"
		}
	}
	return filepath.Join(dir, "docqa")
}
