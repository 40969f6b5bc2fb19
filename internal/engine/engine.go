package engine

import (
	"context"
	"time"
)

// Message represents a chat message handed to the generation backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateOptions bound a single generation call.
type GenerateOptions struct {
	// MaxOutputTokens limits how many tokens the backend may produce.
	MaxOutputTokens int
	// Timeout bounds the whole call. Zero uses the engine's default.
	Timeout time.Duration
}

// GenerateResult is the outcome of one generation call.
type GenerateResult struct {
	Text            string
	TokensGenerated int
	// Truncated reports that generation stopped at the output token limit.
	Truncated bool
	Latency   time.Duration
}

// Engine abstracts the inference backend (Ollama or any compatible server).
// Generation and embedding are consumed through this narrow contract; the
// models themselves are external.
type Engine interface {
	// Generate sends messages to the given model and returns the response.
	// The call is bounded by opts.Timeout; on expiry the returned error is a
	// retryable timeout, never a hang.
	Generate(ctx context.Context, model string, messages []Message, opts GenerateOptions) (GenerateResult, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
