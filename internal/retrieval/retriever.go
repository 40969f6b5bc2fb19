package retrieval

import (
	"context"
	"fmt"
	"log/slog"
)

// Retriever answers similarity queries against a ChunkStore, applying a
// configurable relevance threshold with a single relaxed retry when the
// first pass filters out every candidate.
type Retriever struct {
	store     ChunkStore
	threshold float64
}

// NewRetriever creates a Retriever with the default relevance threshold.
func NewRetriever(store ChunkStore) *Retriever {
	return &Retriever{store: store, threshold: DefaultRelevanceThreshold}
}

// SetRelevanceThreshold updates the minimum similarity score. Values outside
// [0, 1] are rejected.
func (r *Retriever) SetRelevanceThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, threshold)
	}
	r.threshold = threshold
	return nil
}

// RelevanceThreshold returns the configured minimum similarity score.
func (r *Retriever) RelevanceThreshold() float64 {
	return r.threshold
}

// RetrieveTopChunks returns up to topK chunks owned by userID, ranked by
// similarity to queryEmbedding, keeping only chunks at or above the
// relevance threshold. If the first pass leaves nothing, exactly one relaxed
// lookup at a lower threshold runs before reporting no results, so the
// worst case is bounded at two store lookups. An empty result is a valid
// outcome, not an error.
func (r *Retriever) RetrieveTopChunks(ctx context.Context, queryEmbedding []float32, userID int64, topK int) ([]RetrievedChunk, error) {
	if len(queryEmbedding) != EmbeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidEmbedding, len(queryEmbedding), EmbeddingDim)
	}
	if userID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidUser, userID)
	}
	if topK < 1 || topK > MaxTopK {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidTopK, topK, MaxTopK)
	}

	results, err := r.store.SearchByUser(ctx, userID, queryEmbedding, topK)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}

	kept := filterByScore(results, r.threshold)
	if len(kept) > 0 {
		return kept, nil
	}

	relaxed := r.threshold - relaxedStep
	if relaxed < 0 {
		relaxed = 0
	}
	slog.Debug("no chunks above threshold, retrying relaxed",
		"threshold", r.threshold, "relaxed", relaxed, "user_id", userID)

	results, err = r.store.SearchByUser(ctx, userID, queryEmbedding, topK)
	if err != nil {
		return nil, fmt.Errorf("relaxed chunk search: %w", err)
	}
	return filterByScore(results, relaxed), nil
}

func filterByScore(chunks []RetrievedChunk, threshold float64) []RetrievedChunk {
	kept := make([]RetrievedChunk, 0, len(chunks))
	for _, ch := range chunks {
		if float64(ch.Score) >= threshold {
			kept = append(kept, ch)
		}
	}
	return kept
}
