package retrieval

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/harvestnotes/gleaner/internal/storage"
)

// openStore creates an in-memory database with the full schema and returns
// a SQLiteStore plus helpers for seeding users and notes.
func openStore(t *testing.T) (*SQLiteStore, *storage.Store) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSQLiteStore(st.DB()), st
}

func seedNote(t *testing.T, st *storage.Store, userID int64, title string) int64 {
	t.Helper()
	id, err := st.CreateNote(context.Background(), storage.Note{
		UserID:  userID,
		Title:   title,
		Content: "content of " + title,
	})
	if err != nil {
		t.Fatalf("creating note: %v", err)
	}
	return id
}

func seedUser(t *testing.T, st *storage.Store, name string) int64 {
	t.Helper()
	id, err := st.CreateUser(context.Background(), name)
	if err != nil {
		t.Fatalf("creating user: %v", err)
	}
	return id
}

// unitVector returns an EmbeddingDim vector pointing mostly along axis,
// normalized so cosine scores are predictable.
func unitVector(axis int) []float32 {
	v := make([]float32, EmbeddingDim)
	v[axis] = 1
	return v
}

// blend returns a normalized mix of two axes; closer weight to axis a means
// higher cosine similarity with unitVector(a).
func blend(a, b int, wa float64) []float32 {
	v := make([]float32, EmbeddingDim)
	wb := math.Sqrt(1 - wa*wa)
	v[a] = float32(wa)
	v[b] = float32(wb)
	return v
}

func storedChunk(idx int, text string, emb []float32) StoredChunk {
	return StoredChunk{Index: idx, Text: text, TokenCount: len(text) / 4, Embedding: emb}
}

func TestSearchByUser_ScopedToOwner(t *testing.T) {
	store, st := openStore(t)
	ctx := context.Background()

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	aliceNote := seedNote(t, st, alice, "alice note")
	bobNote := seedNote(t, st, bob, "bob note")

	if err := store.UpsertChunks(ctx, aliceNote, []StoredChunk{storedChunk(0, "alice text", unitVector(0))}); err != nil {
		t.Fatalf("upsert alice: %v", err)
	}
	if err := store.UpsertChunks(ctx, bobNote, []StoredChunk{storedChunk(0, "bob text", unitVector(0))}); err != nil {
		t.Fatalf("upsert bob: %v", err)
	}

	results, err := store.SearchByUser(ctx, alice, unitVector(0), 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (alice's only)", len(results))
	}
	if results[0].NoteID != aliceNote {
		t.Errorf("retrieved chunk of note %d, want alice's note %d", results[0].NoteID, aliceNote)
	}
	if results[0].Text != "alice text" {
		t.Errorf("retrieved %q, want alice's chunk", results[0].Text)
	}
}

func TestSearchByUser_RankedDescending(t *testing.T) {
	store, st := openStore(t)
	ctx := context.Background()

	user := seedUser(t, st, "u")
	note := seedNote(t, st, user, "note")

	chunks := []StoredChunk{
		storedChunk(0, "far", blend(0, 1, 0.3)),
		storedChunk(1, "near", blend(0, 1, 0.95)),
		storedChunk(2, "mid", blend(0, 1, 0.7)),
	}
	if err := store.UpsertChunks(ctx, note, chunks); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := store.SearchByUser(ctx, user, unitVector(0), 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	wantOrder := []string{"near", "mid", "far"}
	for i, want := range wantOrder {
		if results[i].Text != want {
			t.Errorf("rank %d = %q, want %q", i, results[i].Text, want)
		}
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not descending at %d", i)
		}
	}
}

func TestSearchByUser_DeterministicTies(t *testing.T) {
	store, st := openStore(t)
	ctx := context.Background()

	user := seedUser(t, st, "u")
	note := seedNote(t, st, user, "note")

	// Identical embeddings produce identical scores; ranking must still be
	// reproducible across repeated queries.
	same := unitVector(3)
	chunks := []StoredChunk{
		storedChunk(0, "c0", same),
		storedChunk(1, "c1", same),
		storedChunk(2, "c2", same),
	}
	if err := store.UpsertChunks(ctx, note, chunks); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	first, err := store.SearchByUser(ctx, user, same, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for range 5 {
		again, err := store.SearchByUser(ctx, user, same, 2)
		if err != nil {
			t.Fatalf("repeat search: %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("result count changed between runs")
		}
		for i := range again {
			if again[i].ID != first[i].ID {
				t.Fatalf("tie ordering not reproducible: run differs at rank %d", i)
			}
		}
	}
	// Equal score and created_at fall back to lower chunk_idx first.
	if first[0].Index > first[1].Index {
		t.Errorf("tie-break order: got indexes %d,%d, want ascending", first[0].Index, first[1].Index)
	}
}

func TestSearchByUser_TopKLimits(t *testing.T) {
	store, st := openStore(t)
	ctx := context.Background()

	user := seedUser(t, st, "u")
	note := seedNote(t, st, user, "note")

	var chunks []StoredChunk
	for i := range 8 {
		chunks = append(chunks, storedChunk(i, "t", blend(0, 1, 0.5+float64(i)*0.05)))
	}
	if err := store.UpsertChunks(ctx, note, chunks); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := store.SearchByUser(ctx, user, unitVector(0), 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
}

func TestSearchByUser_RejectsWrongDimension(t *testing.T) {
	store, _ := openStore(t)
	if _, err := store.SearchByUser(context.Background(), 1, make([]float32, 100), 5); err == nil {
		t.Error("expected error for 100-dim query vector")
	}
}

func TestUpsertChunks_Idempotent(t *testing.T) {
	store, st := openStore(t)
	ctx := context.Background()

	user := seedUser(t, st, "u")
	note := seedNote(t, st, user, "note")

	chunks := []StoredChunk{
		storedChunk(0, "first", unitVector(0)),
		storedChunk(1, "second", unitVector(1)),
		storedChunk(2, "third", unitVector(2)),
	}
	if err := store.UpsertChunks(ctx, note, chunks); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// Re-processing the same note must overwrite, not duplicate.
	if err := store.UpsertChunks(ctx, note, chunks); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	count, err := store.CountForUser(ctx, user)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("chunk count after re-upsert = %d, want 3", count)
	}
}

func TestUpsertChunks_RemovesStaleTail(t *testing.T) {
	store, st := openStore(t)
	ctx := context.Background()

	user := seedUser(t, st, "u")
	note := seedNote(t, st, user, "note")

	long := []StoredChunk{
		storedChunk(0, "a", unitVector(0)),
		storedChunk(1, "b", unitVector(1)),
		storedChunk(2, "c", unitVector(2)),
	}
	if err := store.UpsertChunks(ctx, note, long); err != nil {
		t.Fatalf("upsert long: %v", err)
	}

	// Shorter re-chunk after a content edit drops the old tail.
	short := []StoredChunk{
		storedChunk(0, "a2", unitVector(0)),
		storedChunk(1, "b2", unitVector(1)),
	}
	if err := store.UpsertChunks(ctx, note, short); err != nil {
		t.Fatalf("upsert short: %v", err)
	}

	count, err := store.CountForUser(ctx, user)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("chunk count = %d, want 2 after shrink", count)
	}

	results, err := store.SearchByUser(ctx, user, unitVector(0), 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.Text == "a" || r.Text == "b" || r.Text == "c" {
			t.Errorf("stale chunk text %q survived re-upsert", r.Text)
		}
	}
}

func TestUpsertChunks_RejectsWrongDimension(t *testing.T) {
	store, st := openStore(t)
	ctx := context.Background()

	user := seedUser(t, st, "u")
	note := seedNote(t, st, user, "note")

	err := store.UpsertChunks(ctx, note, []StoredChunk{storedChunk(0, "bad", make([]float32, 100))})
	if err == nil {
		t.Error("expected error upserting 100-dim embedding")
	}
}

func TestDeleteNoteChunks(t *testing.T) {
	store, st := openStore(t)
	ctx := context.Background()

	user := seedUser(t, st, "u")
	note := seedNote(t, st, user, "note")

	if err := store.UpsertChunks(ctx, note, []StoredChunk{storedChunk(0, "x", unitVector(0))}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.DeleteNoteChunks(ctx, note); err != nil {
		t.Fatalf("delete: %v", err)
	}

	count, err := store.CountForUser(ctx, user)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("chunk count after delete = %d, want 0", count)
	}
}

func TestSearchByUser_ResultFields(t *testing.T) {
	store, st := openStore(t)
	ctx := context.Background()

	user := seedUser(t, st, "u")
	note := seedNote(t, st, user, "Sunday reflections")

	if err := store.UpsertChunks(ctx, note, []StoredChunk{storedChunk(0, "field check", unitVector(0))}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := store.SearchByUser(ctx, user, unitVector(0), 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	r := results[0]
	if r.NoteTitle != "Sunday reflections" {
		t.Errorf("note title = %q", r.NoteTitle)
	}
	if r.Score < 0.99 {
		t.Errorf("identical vectors scored %v, want ~1", r.Score)
	}
	if r.CreatedAt.IsZero() || time.Since(r.CreatedAt) > time.Minute {
		t.Errorf("created_at not populated sensibly: %v", r.CreatedAt)
	}
	if len(r.Embedding) != EmbeddingDim {
		t.Errorf("embedding dim = %d", len(r.Embedding))
	}
}
