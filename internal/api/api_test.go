package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harvestnotes/gleaner/internal/engine"
	"github.com/harvestnotes/gleaner/internal/ingest"
	"github.com/harvestnotes/gleaner/internal/pipeline"
	"github.com/harvestnotes/gleaner/internal/prompt"
	"github.com/harvestnotes/gleaner/internal/retrieval"
	"github.com/harvestnotes/gleaner/internal/storage"
)

const testToken = "test-token-12345"

type mockAsker struct {
	askFn func(ctx context.Context, userID int64, query string) (pipeline.Answer, error)
}

func (m *mockAsker) Ask(ctx context.Context, userID int64, query string) (pipeline.Answer, error) {
	return m.askFn(ctx, userID, query)
}

func setupHandler(t *testing.T, asker Asker, httpClient *http.Client) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	handler := NewHandler(Deps{
		Store:      store,
		Answerer:   asker,
		Token:      testToken,
		HTTPClient: httpClient,
	})
	return handler, store
}

func seedUser(t *testing.T, store *storage.Store) int64 {
	t.Helper()
	id, err := store.CreateUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func countJobs(t *testing.T, store *storage.Store) int {
	t.Helper()
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM jobs WHERE type = ?`, ingest.JobTypeEmbedNote).Scan(&n); err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	return n
}

func TestHealth_NoAuthRequired(t *testing.T) {
	h, _ := setupHandler(t, nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestNotes_NoAuth(t *testing.T) {
	h, _ := setupHandler(t, nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/notes", `{}`, ""))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestCreateNote_Text(t *testing.T) {
	h, store := setupHandler(t, nil, nil)
	userID := seedUser(t, store)

	body := `{"user_id":1,"title":"Garden","content":"plant tomatoes in June"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/notes", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Status != "queued" || resp.ID == 0 {
		t.Fatalf("response = %+v, want queued with id", resp)
	}

	note, err := store.GetNote(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if note.Content != "plant tomatoes in June" || note.UserID != userID {
		t.Errorf("note = %+v", note)
	}
	if note.Source != "text" {
		t.Errorf("Source = %q, want text", note.Source)
	}
	if countJobs(t, store) != 1 {
		t.Error("embedding job not enqueued")
	}
}

func TestCreateNote_MissingContent(t *testing.T) {
	h, _ := setupHandler(t, nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/notes", `{"user_id":1}`, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCreateNote_InvalidUser(t *testing.T) {
	h, _ := setupHandler(t, nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/notes", `{"user_id":0,"content":"x"}`, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCreateNote_URLStripsHTML(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><style>body{}</style><script>evil()</script></head>` +
			`<body><h1>My Recipe</h1><p>Add two cups of flour.</p></body></html>`))
	}))
	defer page.Close()

	h, store := setupHandler(t, nil, page.Client())
	seedUser(t, store)

	body := `{"user_id":1,"type":"url","url":"` + page.URL + `"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/notes", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)
	note, err := store.GetNote(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}

	if !strings.Contains(note.Content, "Add two cups of flour.") {
		t.Errorf("content missing page text: %q", note.Content)
	}
	if strings.Contains(note.Content, "evil()") || strings.Contains(note.Content, "body{}") {
		t.Errorf("script/style leaked into content: %q", note.Content)
	}
	if note.Title != page.URL {
		t.Errorf("Title = %q, want the url as fallback", note.Title)
	}
	if note.Source != "url" {
		t.Errorf("Source = %q, want url", note.Source)
	}
}

func TestCreateNote_URLUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	h, store := setupHandler(t, nil, http.DefaultClient)
	seedUser(t, store)

	body := `{"user_id":1,"type":"url","url":"` + dead.URL + `"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/notes", body, testToken))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

func TestCreateNote_PDFInvalidBase64(t *testing.T) {
	h, store := setupHandler(t, nil, nil)
	seedUser(t, store)

	body := `{"user_id":1,"type":"pdf","content":"not!!base64"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/notes", body, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestGetNote_NotFound(t *testing.T) {
	h, _ := setupHandler(t, nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/notes/999", "", testToken))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestUpdateNote_Reembeds(t *testing.T) {
	h, store := setupHandler(t, nil, nil)
	userID := seedUser(t, store)
	noteID, err := store.CreateNote(context.Background(), storage.Note{
		UserID: userID, Title: "n", Content: "old",
	})
	if err != nil {
		t.Fatalf("CreateNote: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPut, "/v1/notes/1", `{"content":"new text"}`, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}

	note, err := store.GetNote(context.Background(), noteID)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if note.Content != "new text" {
		t.Errorf("Content = %q, want updated text", note.Content)
	}
	if countJobs(t, store) != 1 {
		t.Error("update did not enqueue a re-embed job")
	}
}

func TestDeleteNote(t *testing.T) {
	h, store := setupHandler(t, nil, nil)
	userID := seedUser(t, store)
	if _, err := store.CreateNote(context.Background(), storage.Note{UserID: userID, Content: "x"}); err != nil {
		t.Fatalf("CreateNote: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/v1/notes/1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/v1/notes/1", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rr.Code)
	}
}

func TestListNotes_RequiresUserID(t *testing.T) {
	h, _ := setupHandler(t, nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/notes", "", testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestAsk_ReturnsAnswer(t *testing.T) {
	asker := &mockAsker{
		askFn: func(_ context.Context, userID int64, query string) (pipeline.Answer, error) {
			if userID != 1 || query != "when do I plant tomatoes?" {
				t.Errorf("Ask(%d, %q)", userID, query)
			}
			return pipeline.Answer{Text: "In June."}, nil
		},
	}
	h, _ := setupHandler(t, asker, nil)

	body := `{"user_id":1,"question":"when do I plant tomatoes?"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/ask", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}

	var ans pipeline.Answer
	json.NewDecoder(rr.Body).Decode(&ans)
	if ans.Text != "In June." {
		t.Errorf("Text = %q", ans.Text)
	}
}

func TestAsk_EmptyQuestion(t *testing.T) {
	asker := &mockAsker{
		askFn: func(_ context.Context, _ int64, _ string) (pipeline.Answer, error) {
			return pipeline.Answer{}, prompt.ErrEmptyQuery
		},
	}
	h, _ := setupHandler(t, asker, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/ask", `{"user_id":1,"question":""}`, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestAsk_BackendUnavailable(t *testing.T) {
	asker := &mockAsker{
		askFn: func(_ context.Context, _ int64, _ string) (pipeline.Answer, error) {
			return pipeline.Answer{}, &engine.BackendError{Category: engine.CategoryOverloaded, Message: "busy"}
		},
	}
	h, _ := setupHandler(t, asker, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/ask", `{"user_id":1,"question":"q"}`, testToken))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header on a retryable failure")
	}
}

func setupSearchHandler(t *testing.T, searcher NoteSearcher) http.Handler {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewHandler(Deps{
		Store:    store,
		Searcher: searcher,
		Token:    testToken,
	})
}

func TestSearch_ReturnsResults(t *testing.T) {
	searcher := &mockSearcher{
		chunks: []retrieval.RetrievedChunk{
			{
				StoredChunk: retrieval.StoredChunk{ID: 1, NoteID: 7, NoteTitle: "Gardening", Index: 0, Text: "tomatoes need sun"},
				Score:       0.91,
			},
		},
	}
	h := setupSearchHandler(t, searcher)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/search?user_id=1&q=tomatoes", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	var results []SearchResult
	if err := json.Unmarshal(rr.Body.Bytes(), &results); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].NoteTitle != "Gardening" || results[0].NoteID != 7 {
		t.Errorf("unexpected result: %+v", results[0])
	}
}

func TestSearch_RequiresQuery(t *testing.T) {
	h := setupSearchHandler(t, &mockSearcher{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/search?user_id=1", "", testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}
