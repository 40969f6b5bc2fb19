package chunker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/harvestnotes/gleaner/internal/token"
)

const (
	// DefaultChunkSize is the token window size for note chunks.
	DefaultChunkSize = 384
	// DefaultOverlap is the token overlap between adjacent chunks.
	DefaultOverlap = 64
)

// ErrInvalidOverlap is returned when overlap is not smaller than chunk size.
var ErrInvalidOverlap = errors.New("overlap must be smaller than chunk size")

// Chunk is one token-bounded excerpt of a note, ready for embedding.
type Chunk struct {
	Index      int
	Text       string
	TokenCount int
	Metadata   map[string]string
}

// Document is one input to batch chunking.
type Document struct {
	NoteID   int64
	Text     string
	Metadata map[string]string
}

// Chunker splits note text into overlapping, token-bounded windows using a
// shared token Codec, so chunk sizes agree with every other token count in
// the pipeline.
type Chunker struct {
	codec     token.Codec
	chunkSize int
	overlap   int
}

// New creates a Chunker. chunkSize and overlap of 0 use the defaults.
// overlap must be strictly smaller than chunkSize.
func New(codec token.Codec, chunkSize, overlap int) (*Chunker, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap == 0 && chunkSize > DefaultOverlap {
		overlap = DefaultOverlap
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("%w: overlap %d, chunk size %d", ErrInvalidOverlap, overlap, chunkSize)
	}
	return &Chunker{codec: codec, chunkSize: chunkSize, overlap: overlap}, nil
}

// ChunkNote splits text into ordered chunks. Empty or whitespace-only text
// yields an empty result. Text that fits a single window is returned
// unmodified as one chunk. metadata, when non-nil, is copied onto every
// emitted chunk.
func (c *Chunker) ChunkNote(text string, metadata map[string]string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	ids := c.codec.Encode(text)
	if len(ids) <= c.chunkSize {
		return []Chunk{{
			Index:      0,
			Text:       text,
			TokenCount: len(ids),
			Metadata:   copyMeta(metadata),
		}}
	}

	stride := c.chunkSize - c.overlap
	var chunks []Chunk
	for start := 0; start < len(ids); start += stride {
		end := min(start+c.chunkSize, len(ids))
		window := ids[start:end]
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       c.codec.Decode(window),
			TokenCount: len(window),
			Metadata:   copyMeta(metadata),
		})
		if end == len(ids) {
			break
		}
	}
	return chunks
}

// ChunkBatch chunks many documents, silently skipping those with blank
// content. Every emitted chunk carries the owning note's ID in its metadata.
func (c *Chunker) ChunkBatch(docs []Document) []Chunk {
	var out []Chunk
	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			continue
		}
		meta := copyMeta(doc.Metadata)
		if meta == nil {
			meta = make(map[string]string, 1)
		}
		meta["note_id"] = strconv.FormatInt(doc.NoteID, 10)
		out = append(out, c.ChunkNote(doc.Text, meta)...)
	}
	return out
}

// ShouldChunk reports whether text exceeds a single chunk window. Short
// notes skip the chunking pipeline entirely.
func (c *Chunker) ShouldChunk(text string) bool {
	return c.codec.Count(text) > c.chunkSize
}

// EstimateChunkCount cheaply estimates how many chunks ChunkNote would
// produce, using a 4-characters-per-token heuristic instead of encoding.
// Used for progress reporting; within a small tolerance of the true count.
func (c *Chunker) EstimateChunkCount(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	est := (len(text) + 3) / 4
	if est <= c.chunkSize {
		return 1
	}
	stride := c.chunkSize - c.overlap
	return 1 + (est-c.chunkSize+stride-1)/stride
}

// ChunkSize returns the configured token window size.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Overlap returns the configured token overlap.
func (c *Chunker) Overlap() int { return c.overlap }

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
