package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/docqa/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	// No overall timeout: chat replies stream for as long as generation runs.
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 5 * time.Minute}},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is `docqa serve` running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// responseError turns an error response into a readable error, preferring
// the message of a JSON error body.
func responseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	var e struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, e.Error.Type, e.Error.Message)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// chatEvent is one SSE payload of POST /chat.
type chatEvent struct {
	Content   string `json:"content"`
	Done      bool   `json:"done"`
	Cancelled bool   `json:"cancelled"`
	Sources   []struct {
		Source   string  `json:"source"`
		Page     int     `json:"page"`
		Distance float32 `json:"distance"`
	} `json:"sources"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// chat posts a question and calls onFragment for every streamed fragment.
// It returns the session id and the final event.
func (c *apiClient) chat(ctx context.Context, sessionID, text string, onFragment func(string)) (string, chatEvent, error) {
	resp, err := c.post(ctx, "/chat", map[string]string{"session_id": sessionID, "text": text})
	if err != nil {
		return "", chatEvent{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", chatEvent{}, responseError(resp)
	}
	id := resp.Header.Get("X-Session-ID")

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev chatEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return id, chatEvent{}, fmt.Errorf("decoding event: %w", err)
		}
		switch {
		case ev.Error != nil:
			return id, ev, fmt.Errorf("%s: %s", ev.Error.Type, ev.Error.Message)
		case ev.Done:
			return id, ev, nil
		default:
			onFragment(ev.Content)
		}
	}
	if err := sc.Err(); err != nil {
		return id, chatEvent{}, fmt.Errorf("reading stream: %w", err)
	}
	return id, chatEvent{}, fmt.Errorf("stream ended without a final event")
}
