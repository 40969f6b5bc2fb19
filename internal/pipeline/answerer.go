package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harvestnotes/gleaner/internal/composer"
	"github.com/harvestnotes/gleaner/internal/engine"
	"github.com/harvestnotes/gleaner/internal/prompt"
	"github.com/harvestnotes/gleaner/internal/retrieval"
	"github.com/harvestnotes/gleaner/internal/storage"
)

// Defaults for the query path.
const (
	DefaultTopK            = 10
	DefaultGenerateTimeout = 60 * time.Second
)

// QueryEmbedder turns a query into its embedding vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkRetriever returns the top relevant chunks for a user's query vector.
type ChunkRetriever interface {
	RetrieveTopChunks(ctx context.Context, queryEmbedding []float32, userID int64, topK int) ([]retrieval.RetrievedChunk, error)
}

// InteractionStore records answered and refused questions.
type InteractionStore interface {
	SaveInteraction(ctx context.Context, i storage.Interaction) error
}

// Answer is the outcome of one question.
type Answer struct {
	Text    string            `json:"text"`
	Sources []composer.Source `json:"sources"`
	// Refusal carries the refusal reason when no answer was generated.
	Refusal string `json:"refusal,omitempty"`
	// Truncated reports that generation hit the output token limit.
	Truncated bool          `json:"truncated,omitempty"`
	Latency   time.Duration `json:"-"`
}

// Refused reports whether the question was answered from notes or refused.
func (a Answer) Refused() bool { return a.Refusal != "" }

// Answerer runs the query path end to end: embed the question, retrieve the
// user's relevant chunks, pack them into a context block, build the hardened
// prompt, and call the generation backend. Each call is self-contained; the
// only shared state is the read-only model adapters.
type Answerer struct {
	embedder     QueryEmbedder
	retriever    ChunkRetriever
	builder      *composer.Builder
	prompts      *prompt.Engine
	gen          engine.Engine
	interactions InteractionStore
	logger       *slog.Logger

	chatModel        string
	topK             int
	maxContextTokens int
	timeout          time.Duration
}

// AnswererConfig wires an Answerer. Zero values fall back to defaults;
// Interactions may be nil to skip history.
type AnswererConfig struct {
	Embedder         QueryEmbedder
	Retriever        ChunkRetriever
	Builder          *composer.Builder
	Prompts          *prompt.Engine
	Engine           engine.Engine
	Interactions     InteractionStore
	ChatModel        string
	TopK             int
	MaxContextTokens int
	Timeout          time.Duration
}

// NewAnswerer creates an Answerer from cfg.
func NewAnswerer(cfg AnswererConfig) *Answerer {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = composer.DefaultMaxContextTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGenerateTimeout
	}
	return &Answerer{
		embedder:         cfg.Embedder,
		retriever:        cfg.Retriever,
		builder:          cfg.Builder,
		prompts:          cfg.Prompts,
		gen:              cfg.Engine,
		interactions:     cfg.Interactions,
		logger:           slog.Default(),
		chatModel:        cfg.ChatModel,
		topK:             cfg.TopK,
		maxContextTokens: cfg.MaxContextTokens,
		timeout:          cfg.Timeout,
	}
}

// Ask answers query from userID's notes. When retrieval finds nothing
// relevant, the refusal answer is returned without calling the generation
// backend. Invalid input surfaces as an error before any store access.
func (a *Answerer) Ask(ctx context.Context, userID int64, query string) (Answer, error) {
	if strings.TrimSpace(query) == "" {
		return Answer{}, prompt.ErrEmptyQuery
	}

	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return Answer{}, fmt.Errorf("embedding query: %w", err)
	}

	chunks, err := a.retriever.RetrieveTopChunks(ctx, vec, userID, a.topK)
	if err != nil {
		return Answer{}, fmt.Errorf("retrieving chunks: %w", err)
	}

	block := a.builder.BuildContext(chunks, a.maxContextTokens)

	if block.Empty() {
		ans := Answer{
			Text:    prompt.RefusalResponse(prompt.ReasonNoContext),
			Refusal: prompt.ReasonNoContext,
		}
		a.record(ctx, userID, query, ans)
		return ans, nil
	}

	msgs, err := a.prompts.BuildPrompt(query, block)
	if err != nil {
		return Answer{}, fmt.Errorf("building prompt: %w", err)
	}

	engMsgs := make([]engine.Message, len(msgs))
	for i, m := range msgs {
		engMsgs[i] = engine.Message{Role: m.Role, Content: m.Content}
	}

	res, err := a.gen.Generate(ctx, a.chatModel, engMsgs, engine.GenerateOptions{
		MaxOutputTokens: prompt.ReservedOutputTokens,
		Timeout:         a.timeout,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("generating answer: %w", err)
	}

	ans := Answer{
		Text:      res.Text,
		Sources:   block.Sources,
		Truncated: res.Truncated,
		Latency:   res.Latency,
	}
	a.record(ctx, userID, query, ans)

	a.logger.Debug("question answered",
		"user_id", userID,
		"chunks", len(chunks),
		"context_tokens", block.TotalTokens,
		"latency", res.Latency,
	)
	return ans, nil
}

// Search embeds query and returns userID's most relevant chunks without
// generating an answer.
func (a *Answerer) Search(ctx context.Context, userID int64, query string, topK int) ([]retrieval.RetrievedChunk, error) {
	if topK <= 0 {
		topK = a.topK
	}
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return a.retriever.RetrieveTopChunks(ctx, vec, userID, topK)
}

// record saves the interaction history. Failures are logged, not returned;
// history must never break the answer path.
func (a *Answerer) record(ctx context.Context, userID int64, query string, ans Answer) {
	if a.interactions == nil {
		return
	}
	sources, _ := json.Marshal(ans.Sources)
	err := a.interactions.SaveInteraction(ctx, storage.Interaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Query:       query,
		Answer:      ans.Text,
		Refusal:     ans.Refusal,
		SourcesJSON: string(sources),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn("saving interaction failed", "user_id", userID, "error", err)
	}
}
