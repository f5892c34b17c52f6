package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/docqa/internal/chat"
	"github.com/kalambet/docqa/internal/chatlog"
	"github.com/kalambet/docqa/internal/indexer"
	"github.com/kalambet/docqa/internal/retrieval"
)

type searchHit struct {
	Text     string  `json:"text"`
	Source   string  `json:"source"`
	Page     int     `json:"page"`
	EndPage  int     `json:"end_page"`
	Method   string  `json:"method"`
	Distance float32 `json:"distance"`
	Position int     `json:"position"`
}

func toHits(results []retrieval.Result) []searchHit {
	hits := make([]searchHit, len(results))
	for i, r := range results {
		hits[i] = searchHit{
			Text:     r.Chunk.Text,
			Source:   r.Chunk.Source,
			Page:     r.Chunk.Page,
			EndPage:  r.Chunk.EndPage,
			Method:   r.Chunk.Method,
			Distance: r.Distance,
			Position: r.Position,
		}
	}
	return hits
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		k := deps.TopK
		if raw := r.URL.Query().Get("k"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "k must be a positive integer")
				return
			}
			k = min(n, maxSearchK)
		}

		results, err := deps.Index.Search(r.Context(), q, k)
		if err != nil {
			writeError(w, searchError(r.Context(), err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": toHits(results)})
	}
}

// searchError marks failures to embed the query as upstream errors. Index
// state errors and an abandoned request are returned unchanged.
func searchError(ctx context.Context, err error) error {
	if errors.Is(err, retrieval.ErrNotLoaded) || errors.Is(err, retrieval.ErrIntegrity) || ctx.Err() != nil {
		return err
	}
	return &chat.UpstreamError{Err: fmt.Errorf("embedding query: %w", err)}
}

type documentView struct {
	Path       string    `json:"path"`
	Method     string    `json:"method,omitempty"`
	Pages      int       `json:"pages"`
	Chunks     int       `json:"chunks"`
	Error      string    `json:"error,omitempty"`
	Generation string    `json:"generation"`
	IndexedAt  time.Time `json:"indexed_at"`
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Documents.ListDocuments()
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]documentView, len(docs))
		for i, d := range docs {
			views[i] = documentView(d)
		}
		resp := map[string]any{"documents": views}
		if m, ok := deps.Index.Manifest(); ok {
			resp["index"] = m
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleRebuild(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := indexer.Enqueue(deps.Jobs, "api")
		if errors.Is(err, indexer.ErrRebuildPending) {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "already_pending"})
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "job_id": id})
	}
}

func handleGetHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.History.ReadAll()
		if err != nil {
			writeError(w, err)
			return
		}
		if entries == nil {
			entries = []chatlog.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleClearHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.History.Clear(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}
