package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docqa/internal/chatlog"
	"github.com/kalambet/docqa/internal/indexer"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Index     Index
	Documents DocumentLister
	Jobs      indexer.JobStore // optional; if nil, rebuild_index returns an error
	History   chatlog.Log      // optional; if nil, the history resource is not registered
	TopK      int
	Version   string
}

// NewMCPServer creates an MCP server exposing document search and index
// management.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"docqa",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docqa: question answering over a local folder of PDF documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Return the document passages closest to a query, nearest first."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default: the configured top_k)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List indexed documents with extraction method, page and chunk counts."),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("rebuild_index",
			mcp.WithDescription("Queue a rescan of the document folder and a rebuild of the index."),
			mcp.WithString("reason", mcp.Description("Free-form note recorded with the job")),
		),
		mcpRebuildIndex(deps),
	)

	if deps.History != nil {
		s.AddResource(
			mcp.NewResource(
				"docqa://history/recent",
				"Recent Questions",
				mcp.WithResourceDescription("Last 10 recorded questions"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecent(deps),
		)
	}

	return s
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}

		def := deps.TopK
		if def <= 0 {
			def = 4
		}
		limit := req.GetInt("limit", def)
		if limit <= 0 {
			limit = def
		}
		if limit > maxSearchK {
			limit = maxSearchK
		}

		results, err := deps.Index.Search(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		b, err := json.Marshal(toHits(results))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docs, err := deps.Documents.ListDocuments()
		if err != nil {
			return mcpError(fmt.Sprintf("listing documents failed: %v", err)), nil
		}
		views := make([]documentView, len(docs))
		for i, d := range docs {
			views[i] = documentView(d)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal documents: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRebuildIndex(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Jobs == nil {
			return mcpError("index rebuild not available"), nil
		}
		reason := req.GetString("reason", "mcp")
		id, err := indexer.Enqueue(deps.Jobs, reason)
		if errors.Is(err, indexer.ErrRebuildPending) {
			return mcpText("A rebuild is already pending"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue rebuild: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued rebuild job %s", id)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries, err := deps.History.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		if len(entries) > 10 {
			entries = entries[len(entries)-10:]
		}

		type questionSummary struct {
			SessionID string `json:"session_id,omitempty"`
			Timestamp string `json:"timestamp"`
			Question  string `json:"question"`
		}

		summaries := make([]questionSummary, len(entries))
		for i, e := range entries {
			q := e.User
			if utf8.RuneCountInString(q) > 200 {
				runes := []rune(q)
				q = string(runes[:200]) + "..."
			}
			summaries[i] = questionSummary{
				SessionID: e.SessionID,
				Timestamp: e.Timestamp.Format(time.RFC3339),
				Question:  q,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal history: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
