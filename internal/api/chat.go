package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/docqa/internal/chat"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type sourceRef struct {
	Source   string  `json:"source"`
	Page     int     `json:"page"`
	Distance float32 `json:"distance"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.SessionID) == "" {
			req.SessionID = uuid.New().String()
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		s, err := deps.Chat.Submit(r.Context(), req.SessionID, req.Text)
		if err != nil {
			writeError(w, err)
			return
		}
		defer s.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Session-ID", s.SessionID())
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for s.Next() {
			if err := writeEvent(w, map[string]any{"content": s.Fragment()}); err != nil {
				slog.Debug("client went away", "session_id", s.SessionID(), "error", err)
				return
			}
			flusher.Flush()
		}

		if err := s.Err(); err != nil {
			_, typ := classify(err)
			writeEvent(w, map[string]any{
				"error": map[string]any{"message": err.Error(), "type": typ},
			})
			flusher.Flush()
			return
		}

		sources := make([]sourceRef, len(s.Sources()))
		for i, res := range s.Sources() {
			sources[i] = sourceRef{Source: res.Chunk.Source, Page: res.Chunk.Page, Distance: res.Distance}
		}
		writeEvent(w, map[string]any{
			"done":      true,
			"cancelled": s.Cancelled(),
			"sources":   sources,
		})
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "session_id")
		cancelled := deps.Chat.Cancel(id)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"session_id": id,
			"cancelled":  cancelled,
		})
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := deps.Chat.Session(chi.URLParam(r, "session_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func handleDeleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Chat.Sessions().Evict(chi.URLParam(r, "session_id")) {
			writeError(w, chat.ErrSessionNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Chat.Sessions().List())
	}
}
