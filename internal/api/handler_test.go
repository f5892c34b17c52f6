package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/docqa/internal/chat"
	"github.com/kalambet/docqa/internal/chatlog"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

// sseEvents decodes every "data:" line of an SSE body.
func sseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (msg, typ string) {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Message, body.Error.Type
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "ok" || body["index_loaded"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestChat_StreamsFragments(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.deps)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"session_id":"s1","text":"What is the capital?"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if id := rec.Header().Get("X-Session-ID"); id != "s1" {
		t.Errorf("X-Session-ID = %q, want s1", id)
	}

	events := sseEvents(t, rec.Body.String())
	if len(events) != 4 {
		t.Fatalf("got %d events, want 3 fragments + done: %v", len(events), events)
	}
	var reply string
	for _, ev := range events[:3] {
		reply += ev["content"].(string)
	}
	if reply != "Paris is the capital." {
		t.Errorf("reply = %q", reply)
	}
	last := events[3]
	if last["done"] != true || last["cancelled"] != false {
		t.Errorf("final event = %v", last)
	}
	if srcs, _ := last["sources"].([]any); len(srcs) != 2 {
		t.Errorf("sources = %v, want top-2", last["sources"])
	}

	env.deps.Chat.Wait()
	entries, err := env.log.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Bot != "Paris is the capital." || entries[0].SessionID != "s1" {
		t.Errorf("history = %+v", entries)
	}

	info, err := env.deps.Chat.Session("s1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Turns != 1 {
		t.Errorf("turns = %d, want 1", info.Turns)
	}
}

func TestChat_GeneratesSessionID(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"text":"hi"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Session-ID") == "" {
		t.Error("expected a generated session id")
	}
}

func TestChat_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		setup    func(env *testEnv)
		wantCode int
		wantType string
	}{
		{
			name:     "empty text",
			body:     `{"session_id":"s","text":"  "}`,
			wantCode: http.StatusBadRequest,
			wantType: "invalid_request_error",
		},
		{
			name:     "bad json",
			body:     `{`,
			wantCode: http.StatusBadRequest,
			wantType: "invalid_request_error",
		},
		{
			name:     "index not loaded",
			body:     `{"session_id":"s","text":"q"}`,
			setup:    func(env *testEnv) { env.index.err = retrieval.ErrNotLoaded },
			wantCode: http.StatusServiceUnavailable,
			wantType: "index_unavailable",
		},
		{
			name:     "backend down",
			body:     `{"session_id":"s","text":"q"}`,
			setup:    func(env *testEnv) { env.engine.openErr = errors.New("connection refused") },
			wantCode: http.StatusBadGateway,
			wantType: "upstream_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			rec := httptest.NewRecorder()
			NewHandler(env.deps).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(tt.body)))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if _, typ := decodeError(t, rec); typ != tt.wantType {
				t.Errorf("type = %q, want %q", typ, tt.wantType)
			}
		})
	}
}

func TestChat_BusyAndCancel(t *testing.T) {
	env := newTestEnv(t)
	env.engine.block = true
	srv := httptest.NewServer(NewHandler(env.deps))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{"session_id":"s1","text":"q"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	// Read the three fragments so the generation is known to be in flight.
	for n := 0; n < 3; {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			n++
		}
	}

	busy, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{"session_id":"s1","text":"again"}`))
	if err != nil {
		t.Fatal(err)
	}
	busy.Body.Close()
	if busy.StatusCode != http.StatusConflict {
		t.Errorf("second submit status = %d, want 409", busy.StatusCode)
	}

	cancel, err := http.Post(srv.URL+"/chat/s1/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var cbody map[string]any
	json.NewDecoder(cancel.Body).Decode(&cbody)
	cancel.Body.Close()
	if cancel.StatusCode != http.StatusAccepted || cbody["cancelled"] != true {
		t.Errorf("cancel = %d %v", cancel.StatusCode, cbody)
	}

	var final map[string]any
	deadline := time.Now().Add(2 * time.Second)
	for final == nil && time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "data: ") {
			json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &final)
		}
	}
	if final["done"] != true || final["cancelled"] != true {
		t.Errorf("final event = %v, want done+cancelled", final)
	}

	env.deps.Chat.Wait()
	info, err := env.deps.Chat.Session("s1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Busy || info.Turns != 1 {
		t.Errorf("session after cancel = %+v", info)
	}
	if got := info.History[1].Content; got != "Paris is the capital." {
		t.Errorf("committed reply = %q, want the forwarded prefix", got)
	}
}

func TestCancel_NothingInFlight(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	NewHandler(env.deps).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/nobody/cancel", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["cancelled"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestSessions_GetAndDelete(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.deps.Chat.Ask(context.Background(), "s9", "hello"); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(env.deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/s9", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var info chat.Info
	json.NewDecoder(rec.Body).Decode(&info)
	if info.ID != "s9" || len(info.History) != 2 {
		t.Errorf("info = %+v", info)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/s9", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/s9", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestSearch_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType string
	}{
		{"embedding backend down", errors.New("embedding query: connection refused"), http.StatusBadGateway, "upstream_error"},
		{"index not loaded", retrieval.ErrNotLoaded, http.StatusServiceUnavailable, "index_unavailable"},
		{"dimension mismatch", fmt.Errorf("%w: query dimension 3", retrieval.ErrIntegrity), http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.index.err = tt.err
			rec := httptest.NewRecorder()
			NewHandler(env.deps).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search?q=capital", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if _, typ := decodeError(t, rec); typ != tt.wantType {
				t.Errorf("type = %q, want %q", typ, tt.wantType)
			}
		})
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search?q=capital&k=3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Results []searchHit `json:"results"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if len(body.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(body.Results))
	}
	if body.Results[2].Method != "ocr" || body.Results[0].Source != "geo.pdf" {
		t.Errorf("results = %+v", body.Results)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search?q=x&k=1000", nil))
	if env.index.lastK != maxSearchK {
		t.Errorf("k = %d, want capped at %d", env.index.lastK, maxSearchK)
	}

	for _, q := range []string{"/search", "/search?q=x&k=0", "/search?q=x&k=abc"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestDocumentsAndRebuild(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.ReplaceDocuments([]storage.Document{
		{Path: "a.pdf", Method: "structured", Pages: 2, Chunks: 3, Generation: "gen-test"},
	}); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(env.deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Documents []documentView `json:"documents"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if len(body.Documents) != 1 || body.Documents[0].Chunks != 3 {
		t.Errorf("documents = %+v", body.Documents)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/index/rebuild", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("rebuild status = %d", rec.Code)
	}
	var queued map[string]string
	json.NewDecoder(rec.Body).Decode(&queued)
	if queued["status"] != "queued" || queued["job_id"] == "" {
		t.Errorf("rebuild body = %v", queued)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/index/rebuild", nil))
	var again map[string]string
	json.NewDecoder(rec.Body).Decode(&again)
	if again["status"] != "already_pending" {
		t.Errorf("second rebuild body = %v", again)
	}
}

func TestHistory_ReadAndClear(t *testing.T) {
	env := newTestEnv(t)
	env.log.Append(chatlog.Entry{User: "q", Bot: "a", Timestamp: time.Now()})
	h := NewHandler(env.deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))
	var entries []chatlog.Entry
	json.NewDecoder(rec.Body).Decode(&entries)
	if len(entries) != 1 || entries[0].User != "q" {
		t.Fatalf("history = %+v", entries)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/history", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("history after clear = %s", rec.Body.String())
	}
}

func TestManagementRoutes_RequireToken(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Token = "s3cret"
	h := NewHandler(env.deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health must stay open, got %d", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := BearerAuth("tok")(ok)

	tests := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Basic tok", http.StatusUnauthorized},
		{"Bearer tok", http.StatusNoContent},
		{"bearer tok", http.StatusNoContent},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("Authorization %q: status = %d, want %d", tt.header, rec.Code, tt.want)
		}
	}
}
