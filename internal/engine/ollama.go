package engine

import (
	"context"
	"time"

	"github.com/harvestnotes/gleaner/internal/ollama"
)

// DefaultGenerateTimeout bounds a generation call when no timeout is set.
const DefaultGenerateTimeout = 60 * time.Second

// OllamaEngine adapts the Ollama HTTP client to the Engine contract.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine wraps an Ollama client.
func NewOllamaEngine(client *ollama.Client) *OllamaEngine {
	return &OllamaEngine{client: client}
}

// Generate sends the messages to model and returns the classified result.
// Deadline expiry surfaces as a retryable timeout BackendError.
func (e *OllamaEngine) Generate(ctx context.Context, model string, messages []Message, opts GenerateOptions) (GenerateResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultGenerateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	start := time.Now()
	res, err := e.client.Chat(ctx, model, msgs, opts.MaxOutputTokens)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = context.DeadlineExceeded
		}
		return GenerateResult{Latency: latency}, classifyErr(err)
	}

	return GenerateResult{
		Text:            res.Content,
		TokensGenerated: res.EvalCount,
		Truncated:       res.DoneReason == "length",
		Latency:         latency,
	}, nil
}

// Embed returns the embedding vector for text using the given model.
func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, model, text)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = context.DeadlineExceeded
		}
		return nil, classifyErr(err)
	}
	return vec, nil
}

// IsRunning reports whether the Ollama server is reachable.
func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

// ListModels returns the names of all locally available models.
func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

// HasModel reports whether the given model name is available locally.
func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

// PullModel downloads a model, forwarding progress to the callback.
func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{Status: p.Status, Total: p.Total, Completed: p.Completed})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}
