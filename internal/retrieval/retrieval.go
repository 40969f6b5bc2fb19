package retrieval

import (
	"context"
	"errors"
	"time"
)

// EmbeddingDim is the fixed dimensionality of every embedding vector in the
// system. The store rejects vectors of any other length.
const EmbeddingDim = 384

// MaxTopK bounds how many chunks a single retrieval may request.
const MaxTopK = 100

// DefaultRelevanceThreshold is the minimum similarity score a chunk must
// reach to be considered relevant.
const DefaultRelevanceThreshold = 0.6

// relaxedStep is how far below the configured threshold the single relaxed
// retry drops when the first pass filters out every result.
const relaxedStep = 0.15

var (
	// ErrInvalidEmbedding is returned for query vectors of the wrong dimension.
	ErrInvalidEmbedding = errors.New("invalid embedding dimension")
	// ErrInvalidUser is returned for non-positive user IDs.
	ErrInvalidUser = errors.New("invalid user id")
	// ErrInvalidTopK is returned when topK is outside [1, MaxTopK].
	ErrInvalidTopK = errors.New("invalid top_k")
	// ErrInvalidThreshold is returned when a relevance threshold is outside [0, 1].
	ErrInvalidThreshold = errors.New("relevance threshold must be in [0, 1]")
)

// StoredChunk is one persisted chunk row: a token-bounded excerpt of a note
// together with its embedding.
type StoredChunk struct {
	ID         int64
	NoteID     int64
	NoteTitle  string
	Index      int
	Text       string
	TokenCount int
	Embedding  []float32
	CreatedAt  time.Time
}

// RetrievedChunk is a StoredChunk with the similarity score for one query.
// It lives only for the duration of that query.
type RetrievedChunk struct {
	StoredChunk
	Score float32
}

// ChunkStore is the vector-capable chunk storage backend. The SQLite
// implementation does brute-force cosine search; an ANN-indexed backend can
// replace it behind the same interface.
type ChunkStore interface {
	// SearchByUser returns the topK chunks owned by userID most similar to
	// vector, ranked score descending with deterministic tie-breaking.
	SearchByUser(ctx context.Context, userID int64, vector []float32, topK int) ([]RetrievedChunk, error)

	// UpsertChunks writes the chunks of one note, keyed by (note_id,
	// chunk_idx), and removes any stale rows past the new chunk count.
	// Re-processing the same note is idempotent.
	UpsertChunks(ctx context.Context, noteID int64, chunks []StoredChunk) error

	// DeleteNoteChunks removes every chunk belonging to noteID.
	DeleteNoteChunks(ctx context.Context, noteID int64) error

	// CountForUser returns how many chunks the given user owns.
	CountForUser(ctx context.Context, userID int64) (int, error)
}
