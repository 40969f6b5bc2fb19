package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/harvestnotes/gleaner/internal/chunker"
	"github.com/harvestnotes/gleaner/internal/retrieval"
	"github.com/harvestnotes/gleaner/internal/storage"
)

// JobTypeEmbedNote is the queue type for the chunk-and-embed pipeline.
const JobTypeEmbedNote = "embed_note"

// JobStore abstracts the job queue and note lookup operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetNote(ctx context.Context, id int64) (storage.Note, error)
}

// TextEmbedder generates embeddings for batches of text.
type TextEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkWriter persists a note's chunks with their vectors.
type ChunkWriter interface {
	UpsertChunks(ctx context.Context, noteID int64, chunks []retrieval.StoredChunk) error
}

// Worker processes embed_note jobs from the SQLite job queue. Processing is
// idempotent: chunks are keyed by (note_id, chunk_idx), so a retried job
// overwrites its own partial output.
type Worker struct {
	store    JobStore
	chunker  *chunker.Chunker
	embedder TextEmbedder
	chunks   ChunkWriter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, ch *chunker.Chunker, embedder TextEmbedder, chunks ChunkWriter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		chunker:  ch,
		embedder: embedder,
		chunks:   chunks,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_note job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeEmbedNote})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type embedPayload struct {
	NoteID int64 `json:"note_id"`
}

// NewEmbedJob builds the queue entry that re-chunks and re-embeds a note.
func NewEmbedJob(noteID int64) storage.Job {
	payload, _ := json.Marshal(embedPayload{NoteID: noteID})
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeEmbedNote,
		PayloadJSON: string(payload),
	}
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	note, err := w.store.GetNote(ctx, payload.NoteID)
	if err != nil {
		return fmt.Errorf("loading note %d: %w", payload.NoteID, err)
	}

	pieces := w.chunker.ChunkNote(note.Content, nil)
	if len(pieces) == 0 {
		// A blanked-out note still clears its previous chunks.
		return w.chunks.UpsertChunks(ctx, note.ID, nil)
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}

	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(pieces), err)
	}
	if len(vectors) != len(pieces) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(pieces))
	}

	now := time.Now().UTC()
	stored := make([]retrieval.StoredChunk, len(pieces))
	for i, p := range pieces {
		stored[i] = retrieval.StoredChunk{
			NoteID:     note.ID,
			Index:      p.Index,
			Text:       p.Text,
			TokenCount: p.TokenCount,
			Embedding:  vectors[i],
			CreatedAt:  now,
		}
	}

	if err := w.chunks.UpsertChunks(ctx, note.ID, stored); err != nil {
		return fmt.Errorf("storing chunks: %w", err)
	}

	w.logger.Debug("note embedded", "note_id", note.ID, "chunks", len(stored))
	return nil
}
