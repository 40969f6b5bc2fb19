package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements ChunkStore.
var _ ChunkStore = (*SQLiteStore)(nil)

// SQLiteStore provides chunk storage and brute-force cosine similarity
// search backed by SQLite. Embeddings are stored as little-endian float32
// blobs. Search scans only (id, ordering keys, embedding) and fetches full
// rows for the top-K winners afterwards.
//
// When a user's chunk count exceeds ~100K and query latency becomes
// noticeable, replace this with an ANN-indexed ChunkStore implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for chunk operations. The notes
// and chunks tables must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// candidate holds the scan-phase fields needed for ranking.
type candidate struct {
	ID        int64
	Score     float32
	CreatedAt string
	ChunkIdx  int
}

// worseThan reports whether a ranks strictly below b: lower score first,
// then older created_at, then higher chunk_idx. Total order, so repeated
// identical queries return identical rankings.
func (a candidate) worseThan(b candidate) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ChunkIdx > b.ChunkIdx
}

// SearchByUser performs brute-force cosine similarity search over the given
// user's chunks only. Rows belonging to other users are never considered.
func (s *SQLiteStore) SearchByUser(ctx context.Context, userID int64, vector []float32, topK int) ([]RetrievedChunk, error) {
	if len(vector) != EmbeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidEmbedding, len(vector), EmbeddingDim)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.chunk_idx, c.created_at, c.embedding
		FROM chunks c
		JOIN notes n ON n.id = c.note_id
		WHERE n.user_id = ?
		ORDER BY c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying chunk vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer to avoid a fresh allocation per scanned row.
	var buf []float32

	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.ID, &c.ChunkIdx, &c.CreatedAt, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for chunk %d: %w", c.ID, err)
		}

		c.Score = cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, c)
		} else if (*h)[0].worseThan(c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Pop yields worst-first; fill the ID list back to front.
	ordered := make([]int64, h.Len())
	scores := make(map[int64]float32, h.Len())
	for i := len(ordered) - 1; i >= 0; i-- {
		c := heap.Pop(h).(candidate)
		ordered[i] = c.ID
		scores[c.ID] = c.Score
	}

	full, err := s.chunksByID(ctx, ordered)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]StoredChunk, len(full))
	for _, ch := range full {
		byID[ch.ID] = ch
	}

	results := make([]RetrievedChunk, 0, len(ordered))
	for _, id := range ordered {
		ch, ok := byID[id]
		if !ok {
			continue
		}
		results = append(results, RetrievedChunk{StoredChunk: ch, Score: scores[id]})
	}
	return results, nil
}

// chunksByID fetches full chunk rows (with note titles) for the given IDs.
func (s *SQLiteStore) chunksByID(ctx context.Context, ids []int64) ([]StoredChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `
		SELECT c.id, c.note_id, n.title, c.chunk_idx, c.chunk_text, c.token_count, c.embedding, c.created_at
		FROM chunks c
		JOIN notes n ON n.id = c.note_id
		WHERE c.id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching chunks: %w", err)
	}
	defer rows.Close()

	var chunks []StoredChunk
	for rows.Next() {
		var ch StoredChunk
		var blob []byte
		var createdAt string
		if err := rows.Scan(&ch.ID, &ch.NoteID, &ch.NoteTitle, &ch.Index, &ch.Text, &ch.TokenCount, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for chunk %d: %w", ch.ID, err)
		}
		ch.Embedding = embedding
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for chunk %d: %w", ch.ID, err)
		}
		ch.CreatedAt = t
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

// UpsertChunks writes a note's chunks keyed by (note_id, chunk_idx) and
// deletes stale rows with chunk_idx beyond the new count, so re-embedding a
// note after a retry or content change never duplicates rows.
func (s *SQLiteStore) UpsertChunks(ctx context.Context, noteID int64, chunks []StoredChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (note_id, chunk_idx, chunk_text, token_count, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(note_id, chunk_idx) DO UPDATE SET
			chunk_text = excluded.chunk_text,
			token_count = excluded.token_count,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, ch := range chunks {
		if len(ch.Embedding) != EmbeddingDim {
			return fmt.Errorf("%w: chunk %d of note %d has %d, want %d",
				ErrInvalidEmbedding, ch.Index, noteID, len(ch.Embedding), EmbeddingDim)
		}
		blob := encodeFloat32s(ch.Embedding)
		if _, err := stmt.ExecContext(ctx, noteID, ch.Index, ch.Text, ch.TokenCount, blob, now, now); err != nil {
			return fmt.Errorf("upserting chunk %d of note %d: %w", ch.Index, noteID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE note_id = ? AND chunk_idx >= ?`, noteID, len(chunks)); err != nil {
		return fmt.Errorf("deleting stale chunks of note %d: %w", noteID, err)
	}

	return tx.Commit()
}

// DeleteNoteChunks removes all chunks for a note.
func (s *SQLiteStore) DeleteNoteChunks(ctx context.Context, noteID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE note_id = ?`, noteID); err != nil {
		return fmt.Errorf("deleting chunks of note %d: %w", noteID, err)
	}
	return nil
}

// CountForUser returns the number of chunks owned by userID.
func (s *SQLiteStore) CountForUser(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks c
		JOIN notes n ON n.id = c.note_id
		WHERE n.user_id = ?`, userID).Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// A length that is not a multiple of 4 indicates data corruption.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes into the provided buffer, reusing it to avoid
// per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity clamped to [0, 1]. aNorm is the
// precomputed L2 norm of a. Anti-correlated vectors score 0, keeping scores
// directly comparable against the relevance threshold range.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	sim := dot / (float64(aNorm) * bNorm)
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return float32(sim)
}

// candidateHeap is a min-heap ordered by candidate ranking, worst at the root.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].worseThan(h[j]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
