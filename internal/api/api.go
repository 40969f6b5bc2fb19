package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/harvestnotes/gleaner/internal/pipeline"
	"github.com/harvestnotes/gleaner/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB, PDFs arrive base64-encoded

// Asker abstracts the query pipeline for the API layer.
type Asker interface {
	Ask(ctx context.Context, userID int64, query string) (pipeline.Answer, error)
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Store      *storage.Store
	Answerer   Asker
	Searcher   NoteSearcher
	Token      string
	HTTPClient *http.Client
}

// NewHandler returns the REST API. The health endpoint is open; everything
// else sits behind bearer auth.
func NewHandler(deps Deps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/ask", handleAsk(deps))
		r.Get("/v1/search", handleSearch(deps))
		r.Post("/v1/notes", handleCreateNote(deps))
		r.Get("/v1/notes", handleListNotes(deps))
		r.Get("/v1/notes/{id}", handleGetNote(deps))
		r.Put("/v1/notes/{id}", handleUpdateNote(deps))
		r.Delete("/v1/notes/{id}", handleDeleteNote(deps))
		r.Get("/v1/interactions", handleListInteractions(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListInteractions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := parseUserID(r.URL.Query().Get("user_id"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		interactions, err := deps.Store.RecentInteractions(r.Context(), userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}
		if interactions == nil {
			interactions = []storage.Interaction{}
		}

		writeJSON(w, interactions)
	}
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("user_id must be a positive integer")
	}
	return id, nil
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
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
