package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/harvestnotes/gleaner/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAskRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/ask": `{"text":"Tomatoes need six hours of sun.","sources":[{"note_id":1,"note_title":"Gardening","chunk_count":2}]}`,
	})

	client := ts.client()
	body := map[string]any{"user_id": int64(1), "question": "how much sun do tomatoes need?"}
	resp, err := client.post(ctx, "/v1/ask", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var answer struct {
		Text    string `json:"text"`
		Sources []struct {
			NoteTitle string `json:"note_title"`
		} `json:"sources"`
	}
	if err := decodeJSON(resp, &answer); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if !strings.Contains(answer.Text, "six hours") {
		t.Errorf("text = %q, want sun advice", answer.Text)
	}
	if len(answer.Sources) != 1 || answer.Sources[0].NoteTitle != "Gardening" {
		t.Errorf("sources = %+v, want one Gardening source", answer.Sources)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/v1/ask" {
		t.Errorf("request = %s %s, want POST /v1/ask", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(r.Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["question"] != "how much sun do tomatoes need?" {
		t.Errorf("body.question = %v", sent["question"])
	}
}

func TestAddCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"add"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestAddNoteRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/notes": `{"id":42,"status":"queued"}`,
	})

	client := ts.client()
	req := map[string]any{
		"user_id": int64(1),
		"type":    "text",
		"title":   "Gardening",
		"content": "Tomatoes need six hours of sun",
	}
	resp, err := client.post(ctx, "/v1/notes", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if result.ID != 42 {
		t.Errorf("id = %d, want 42", result.ID)
	}
	if result.Status != "queued" {
		t.Errorf("status = %q, want queued", result.Status)
	}
}

func TestSearchRequest_URLEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/search": `[]`,
	})

	client := ts.client()
	query := "go & python preferences"
	path := fmt.Sprintf("/v1/search?user_id=1&q=%s&limit=5", url.QueryEscape(query))
	resp, err := client.get(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	reqPath := ts.requests[0].Path
	if strings.Contains(reqPath, "& python") {
		t.Errorf("query not URL-encoded: %q", reqPath)
	}
	if !strings.Contains(reqPath, "q=go+%26+python+preferences") {
		t.Errorf("unexpected encoded path: %q", reqPath)
	}
}

func TestSearchResults(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/search": `[{"note_id":1,"note_title":"Gardening","chunk_idx":0,"text":"tomatoes need sun","score":0.95}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/v1/search?user_id=1&q=tomatoes&limit=5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var results []struct {
		NoteTitle string  `json:"note_title"`
		Text      string  `json:"text"`
		Score     float32 `json:"score"`
	}
	if err := decodeJSON(resp, &results); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].NoteTitle != "Gardening" {
		t.Errorf("note_title = %q, want Gardening", results[0].NoteTitle)
	}
	if results[0].Score < 0.9 {
		t.Errorf("score = %f, want > 0.9", results[0].Score)
	}
}

func TestStatusHealthCheck_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestInteractionsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/interactions": `[{"ID":"ix-00112233","UserID":1,"Query":"hello","CreatedAt":"2025-01-01T00:00:00Z"}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/v1/interactions?user_id=1&limit=20")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var interactions []struct {
		ID string
	}
	if err := decodeJSON(resp, &interactions); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(interactions) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(interactions))
	}
	if interactions[0].ID != "ix-00112233" {
		t.Errorf("id = %q, want ix-00112233", interactions[0].ID)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	_, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/v1/notes?user_id=1")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4600
	cfg.Ollama.ChatModel = "llama3.2"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4600" {
			found = true
		}
		if k.Key == "api.token" {
			t.Error("ShowAll must not list the API token")
		}
	}
	if !found {
		t.Error("expected to find server.port=4600 in ShowAll output")
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"error", "ERROR"},
		{"", "INFO"},
		{"bogus", "INFO"},
	}
	for _, tt := range tests {
		if got := logLevel(tt.name).String(); got != tt.want {
			t.Errorf("logLevel(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}
