package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docqa/internal/chat"
	"github.com/kalambet/docqa/internal/chatlog"
	"github.com/kalambet/docqa/internal/indexer"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// maxSearchK caps k on search endpoints and tools.
const maxSearchK = 50

// Index is the read side of the embedding index.
type Index interface {
	Search(ctx context.Context, query string, k int) ([]retrieval.Result, error)
	Manifest() (retrieval.Manifest, bool)
}

// DocumentLister returns the per-file manifest of the last scan.
type DocumentLister interface {
	ListDocuments() ([]storage.Document, error)
}

// Deps holds everything the HTTP layer serves.
type Deps struct {
	Chat      *chat.Orchestrator
	Index     Index
	Documents DocumentLister
	Jobs      indexer.JobStore
	History   chatlog.Log
	// Token protects the management routes. Empty leaves them open.
	Token string
	TopK  int
}

// NewHandler returns the docqa HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.TopK <= 0 {
		deps.TopK = chat.DefaultTopK
	}

	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Post("/chat", handleChat(deps))
	r.Post("/chat/{session_id}/cancel", handleCancel(deps))
	r.Get("/sessions/{session_id}", handleGetSession(deps))
	r.Delete("/sessions/{session_id}", handleDeleteSession(deps))
	r.Get("/search", handleSearch(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/sessions", handleListSessions(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Post("/index/rebuild", handleRebuild(deps))
		r.Get("/history", handleGetHistory(deps))
		r.Delete("/history", handleClearHistory(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok", "index_loaded": false}
		if m, ok := deps.Index.Manifest(); ok {
			resp["index_loaded"] = true
			resp["chunks"] = m.Count
			resp["generation"] = m.Generation
		}
		if deps.Jobs != nil {
			if n, err := deps.Jobs.PendingJobs(storage.JobReindex); err == nil {
				resp["rebuild_pending"] = n > 0
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// classify maps a domain error to an HTTP status and error type.
func classify(err error) (int, string) {
	var upstream *chat.UpstreamError
	switch {
	case errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, chat.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, retrieval.ErrNotLoaded):
		return http.StatusServiceUnavailable, "index_unavailable"
	case errors.As(err, &upstream):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, typ := classify(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	httpError(w, code, typ, "%v", err)
}
