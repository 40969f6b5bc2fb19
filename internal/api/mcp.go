package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/harvestnotes/gleaner/internal/ingest"
	"github.com/harvestnotes/gleaner/internal/retrieval"
	"github.com/harvestnotes/gleaner/internal/storage"
)

// defaultMCPUser is assumed when a tool call carries no user_id. The MCP
// transport is local and single-operator.
const defaultMCPUser = 1

// NoteSearcher abstracts semantic search for the MCP layer.
type NoteSearcher interface {
	Search(ctx context.Context, userID int64, query string, topK int) ([]retrieval.RetrievedChunk, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Answerer Asker
	Searcher NoteSearcher
}

// NewMCPServer creates an MCP server with the notes tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"gleaner",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("gleaner: question answering over a private notes corpus."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_notes",
			mcp.WithDescription("Answer a question from the user's stored notes, with source citations."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithNumber("user_id", mcp.Description("Owner of the notes (default 1)")),
		),
		mcpAskNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("search_notes",
			mcp.WithDescription("Semantically search stored notes and return the matching excerpts."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithNumber("user_id", mcp.Description("Owner of the notes (default 1)")),
		),
		mcpSearchNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("add_note",
			mcp.WithDescription("Store a note for later retrieval. It is chunked and embedded in the background."),
			mcp.WithString("content", mcp.Description("The note text"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Title for the note")),
			mcp.WithNumber("user_id", mcp.Description("Owner of the note (default 1)")),
		),
		mcpAddNote(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"notes://recent-questions",
			"Recent Questions",
			mcp.WithResourceDescription("Last 10 answered or refused questions"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAskNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		userID := int64(req.GetInt("user_id", defaultMCPUser))

		ans, err := deps.Answerer.Ask(ctx, userID, question)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.Marshal(ans)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		userID := int64(req.GetInt("user_id", defaultMCPUser))

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > retrieval.MaxTopK {
			limit = retrieval.MaxTopK
		}

		chunks, err := deps.Searcher.Search(ctx, userID, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			NoteID    int64   `json:"note_id"`
			NoteTitle string  `json:"note_title"`
			Text      string  `json:"text"`
			Score     float32 `json:"score"`
		}

		results := make([]chunkResult, len(chunks))
		for i, c := range chunks {
			results[i] = chunkResult{
				NoteID:    c.NoteID,
				NoteTitle: c.NoteTitle,
				Text:      c.Text,
				Score:     c.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		title := req.GetString("title", "")
		userID := int64(req.GetInt("user_id", defaultMCPUser))

		noteID, err := deps.Store.CreateNote(ctx, storage.Note{
			UserID:  userID,
			Title:   title,
			Content: content,
			Source:  "mcp",
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save note: %v", err)), nil
		}

		if err := deps.Store.EnqueueJob(ingest.NewEmbedJob(noteID)); err != nil {
			return mcpError(fmt.Sprintf("saved note %d but failed to queue embedding: %v", noteID, err)), nil
		}

		return mcpText(fmt.Sprintf("Stored note %d", noteID)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		interactions, err := deps.Store.RecentInteractions(ctx, defaultMCPUser, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent interactions: %w", err)
		}

		type interactionSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Query     string `json:"query"`
			Refusal   string `json:"refusal,omitempty"`
		}

		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			query := ix.Query
			if utf8.RuneCountInString(query) > 200 {
				runes := []rune(query)
				query = string(runes[:200]) + "..."
			}
			summaries[i] = interactionSummary{
				ID:        ix.ID,
				CreatedAt: ix.CreatedAt.Format(time.RFC3339),
				Query:     query,
				Refusal:   ix.Refusal,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
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
