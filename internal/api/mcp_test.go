package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/docqa/internal/chatlog"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store, *chatlog.FileLog) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := chatlog.NewFileLog(t.TempDir() + "/history.jsonl")
	return MCPDeps{
		Index:     &fakeIndex{results: sampleResults(), loaded: true},
		Documents: store,
		Jobs:      store,
		History:   log,
		TopK:      2,
	}, store, log
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_SearchDocuments(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	handler := mcpSearchDocuments(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{
		"query": "capital",
		"limit": 3,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var hits []searchHit
	if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(hits))
	}
	if hits[0].Distance > hits[1].Distance {
		t.Error("hits not ordered nearest first")
	}
}

func TestMCPTool_SearchDocuments_DefaultLimit(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	idx := deps.Index.(*fakeIndex)

	result, err := mcpSearchDocuments(deps)(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{
		"query": "capital",
	}))
	if err != nil || result.IsError {
		t.Fatalf("unexpected failure: %v", err)
	}
	if idx.lastK != 2 {
		t.Errorf("k = %d, want configured top_k 2", idx.lastK)
	}
}

func TestMCPTool_SearchDocuments_Errors(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, _ := mcpSearchDocuments(deps)(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error for missing query")
	}

	deps.Index = &fakeIndex{err: retrieval.ErrNotLoaded}
	result, _ = mcpSearchDocuments(deps)(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{
		"query": "x",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not loaded") {
		t.Errorf("expected not-loaded error, got %q", toolText(t, result))
	}
}

func TestMCPTool_ListDocuments(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	if err := store.ReplaceDocuments([]storage.Document{
		{Path: "a.pdf", Method: "structured", Pages: 1, Chunks: 1},
		{Path: "b.pdf", Error: "no usable text"},
	}); err != nil {
		t.Fatal(err)
	}

	result, err := mcpListDocuments(deps)(context.Background(), makeCallToolRequest("list_documents", nil))
	if err != nil || result.IsError {
		t.Fatalf("unexpected failure: %v", err)
	}
	var docs []documentView
	if err := json.Unmarshal([]byte(toolText(t, result)), &docs); err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[1].Error != "no usable text" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestMCPTool_RebuildIndex(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	handler := mcpRebuildIndex(deps)

	result, err := handler(context.Background(), makeCallToolRequest("rebuild_index", map[string]interface{}{"reason": "new files"}))
	if err != nil || result.IsError {
		t.Fatalf("unexpected failure: %v", err)
	}
	if !strings.HasPrefix(toolText(t, result), "Queued rebuild job") {
		t.Errorf("text = %q", toolText(t, result))
	}
	if n, _ := store.PendingJobs(storage.JobReindex); n != 1 {
		t.Errorf("pending jobs = %d, want 1", n)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("rebuild_index", nil))
	if result.IsError || !strings.Contains(toolText(t, result), "already pending") {
		t.Errorf("second call = %q", toolText(t, result))
	}

	deps.Jobs = nil
	result, _ = mcpRebuildIndex(deps)(context.Background(), makeCallToolRequest("rebuild_index", nil))
	if !result.IsError {
		t.Error("expected error without a job store")
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, _, log := newTestMCPDeps(t)
	long := strings.Repeat("é", 250)
	for i := 0; i < 12; i++ {
		q := "question"
		if i == 11 {
			q = long
		}
		log.Append(chatlog.Entry{User: q, Bot: "answer", Timestamp: time.Now(), SessionID: "s"})
	}

	contents, err := mcpResourceRecent(deps)(context.Background(), makeReadResourceRequest("docqa://history/recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var items []map[string]string
	if err := json.Unmarshal([]byte(tc.Text), &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 10 {
		t.Fatalf("got %d items, want 10", len(items))
	}
	if q := items[9]["question"]; len([]rune(q)) != 203 {
		t.Errorf("long question not truncated to 200 runes + ...: %d", len([]rune(q)))
	}
}

func TestNewMCPServer_WithoutHistory(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	deps.History = nil
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
