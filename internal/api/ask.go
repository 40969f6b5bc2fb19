package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harvestnotes/gleaner/internal/engine"
	"github.com/harvestnotes/gleaner/internal/prompt"
	"github.com/harvestnotes/gleaner/internal/retrieval"
)

// AskRequest is the body of POST /v1/ask.
type AskRequest struct {
	UserID   int64  `json:"user_id"`
	Question string `json:"question"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		ans, err := deps.Answerer.Ask(r.Context(), req.UserID, req.Question)
		if err != nil {
			writeAskError(w, err)
			return
		}

		writeJSON(w, ans)
	}
}

// SearchResult is one hit from GET /v1/search.
type SearchResult struct {
	NoteID    int64   `json:"note_id"`
	NoteTitle string  `json:"note_title"`
	ChunkIdx  int     `json:"chunk_idx"`
	Text      string  `json:"text"`
	Score     float32 `json:"score"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := parseUserID(r.URL.Query().Get("user_id"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 5, retrieval.MaxTopK)

		chunks, err := deps.Searcher.Search(r.Context(), userID, query, limit)
		if err != nil {
			writeAskError(w, err)
			return
		}

		results := make([]SearchResult, len(chunks))
		for i, c := range chunks {
			results[i] = SearchResult{
				NoteID:    c.NoteID,
				NoteTitle: c.NoteTitle,
				ChunkIdx:  c.Index,
				Text:      c.Text,
				Score:     c.Score,
			}
		}
		writeJSON(w, results)
	}
}

// writeAskError maps pipeline failures onto HTTP statuses: invalid input is
// the caller's fault, retryable backend trouble is 503 with Retry-After, and
// everything else is a plain server error.
func writeAskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, prompt.ErrEmptyQuery),
		errors.Is(err, retrieval.ErrInvalidUser),
		errors.Is(err, retrieval.ErrInvalidEmbedding),
		errors.Is(err, retrieval.ErrInvalidTopK):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, prompt.ErrOverBudget):
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
	case engine.IsRetryable(err):
		w.Header().Set("Retry-After", "5")
		httpError(w, http.StatusServiceUnavailable, "api_error", "generation backend unavailable: %v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to answer: %v", err)
	}
}
