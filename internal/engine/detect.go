package engine

import (
	"fmt"
	"net/url"
)

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect returns the inference backend for the given configuration.
// Ollama is the only supported backend; its base URL must be an absolute
// http or https URL.
func Detect(cfg DetectConfig) (Engine, error) {
	u, err := url.Parse(cfg.OllamaBaseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("ollama base url %q: want http(s)://host[:port]", cfg.OllamaBaseURL)
	}
	return NewOllamaEngine(cfg.OllamaBaseURL), nil
}
