package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/harvestnotes/gleaner/internal/ingest"
	"github.com/harvestnotes/gleaner/internal/storage"
)

const maxURLFetchSize = 5 << 20 // 5MB

// NoteRequest is the body of POST /v1/notes. Exactly one content source is
// used: inline text, a URL to fetch, or a base64-encoded PDF.
type NoteRequest struct {
	UserID  int64  `json:"user_id"`
	Type    string `json:"type"` // "text" (default), "url", "pdf"
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

func handleCreateNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req NoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id must be a positive integer")
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}

		content, source, err := resolveContent(r.Context(), deps.HTTPClient, &req)
		if err != nil {
			var re *resolveError
			if errors.As(err, &re) {
				httpError(w, re.status, re.errType, "%s", re.msg)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "resolving content: %v", err)
			return
		}

		noteID, err := deps.Store.CreateNote(r.Context(), storage.Note{
			UserID:  req.UserID,
			Title:   req.Title,
			Content: content,
			Source:  source,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save note: %v", err)
			return
		}

		if err := deps.Store.EnqueueJob(ingest.NewEmbedJob(noteID)); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue embedding: %v", err)
			return
		}

		writeJSON(w, map[string]any{
			"id":     noteID,
			"status": "queued",
		})
	}
}

// resolveError carries an HTTP status for content resolution failures.
type resolveError struct {
	status  int
	errType string
	msg     string
}

func (e *resolveError) Error() string { return e.msg }

func resolveContent(ctx context.Context, client *http.Client, req *NoteRequest) (content, source string, err error) {
	switch {
	case req.Type == "url" && req.URL != "":
		text, err := fetchURLText(ctx, client, req.URL)
		if err != nil {
			return "", "", err
		}
		if req.Title == "" {
			req.Title = req.URL
		}
		return text, "url", nil

	case req.Type == "pdf":
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return "", "", &resolveError{http.StatusBadRequest, "invalid_request_error", "invalid base64 content"}
		}
		text, err := extractPDFText(decoded)
		if err != nil {
			return "", "", &resolveError{http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("unreadable pdf: %v", err)}
		}
		return text, "pdf", nil

	default:
		return req.Content, "text", nil
	}
}

func fetchURLText(ctx context.Context, client *http.Client, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &resolveError{http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid url: %v", err)}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", &resolveError{http.StatusBadGateway, "api_error", fmt.Sprintf("failed to fetch url: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &resolveError{http.StatusBadGateway, "api_error", fmt.Sprintf("url returned status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return "", &resolveError{http.StatusBadGateway, "api_error", fmt.Sprintf("failed to read url response: %v", err)}
	}

	text, err := extractHTMLText(body)
	if err != nil {
		// Not HTML; keep the raw body.
		return string(body), nil
	}
	return text, nil
}

func handleGetNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseNoteID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		note, err := deps.Store.GetNote(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get note: %v", err)
			return
		}

		writeJSON(w, note)
	}
}

func handleListNotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := parseUserID(r.URL.Query().Get("user_id"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		limit := parseIntParam(r, "limit", 50, 200)

		notes, err := deps.Store.ListNotes(r.Context(), userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list notes: %v", err)
			return
		}
		if notes == nil {
			notes = []storage.Note{}
		}

		writeJSON(w, notes)
	}
}

// UpdateNoteRequest is the body of PUT /v1/notes/{id}.
type UpdateNoteRequest struct {
	Content string `json:"content"`
}

func handleUpdateNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseNoteID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req UpdateNoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err = deps.Store.UpdateNoteContent(r.Context(), id, req.Content)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update note: %v", err)
			return
		}

		// Changed content means stale vectors; re-embed.
		if err := deps.Store.EnqueueJob(ingest.NewEmbedJob(id)); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue embedding: %v", err)
			return
		}

		writeJSON(w, map[string]string{"status": "queued"})
	}
}

func handleDeleteNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseNoteID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		err = deps.Store.DeleteNote(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete note: %v", err)
			return
		}

		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func parseNoteID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("note id must be a positive integer")
	}
	return id, nil
}
