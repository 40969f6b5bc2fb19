package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harvestnotes/gleaner/internal/retrieval"
	"github.com/harvestnotes/gleaner/internal/token"
)

// DefaultMaxContextTokens is the context budget used when none is configured.
const DefaultMaxContextTokens = 4000

// Source summarizes one note's contribution to a context block.
type Source struct {
	NoteID     int64  `json:"note_id"`
	NoteTitle  string `json:"note_title"`
	ChunkCount int    `json:"chunk_count"`
}

// ContextBlock is the packed context handed to the prompt engine. It lives
// for the duration of one query.
type ContextBlock struct {
	ContextText string
	TotalTokens int
	Sources     []Source
}

// Empty reports whether no chunks made it into the block.
func (b ContextBlock) Empty() bool {
	return b.ContextText == ""
}

// Builder packs retrieved chunks into a context block under a token budget.
// Token accounting uses the same codec as chunking and prompt budgeting so
// counts agree across the pipeline.
type Builder struct {
	codec token.Codec
}

// New creates a Builder that counts tokens with codec.
func New(codec token.Codec) *Builder {
	return &Builder{codec: codec}
}

// BuildContext packs chunks in descending relevance order. Each candidate is
// admitted whole or not at all: the formatted entry's token count must keep
// the running total within maxContextTokens, and packing stops at the first
// candidate that would overflow. Chunks are deduplicated by id, and the
// source summary groups admitted chunks by note.
//
// An empty input is a valid state, not an error: the result has no text,
// zero tokens, and no sources.
func (b *Builder) BuildContext(chunks []retrieval.RetrievedChunk, maxContextTokens int) ContextBlock {
	if maxContextTokens <= 0 {
		maxContextTokens = DefaultMaxContextTokens
	}
	if len(chunks) == 0 {
		return ContextBlock{}
	}

	sorted := make([]retrieval.RetrievedChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var (
		sb         strings.Builder
		total      int
		seen       = make(map[int64]bool, len(sorted))
		counts     = make(map[int64]int)
		noteOrder  []int64
		noteTitles = make(map[int64]string)
	)

	for _, ch := range sorted {
		if seen[ch.ID] {
			continue
		}
		entry := formatChunk(ch)
		n := b.codec.Count(entry)
		if total+n > maxContextTokens {
			break
		}
		seen[ch.ID] = true
		sb.WriteString(entry)
		total += n

		if _, ok := counts[ch.NoteID]; !ok {
			noteOrder = append(noteOrder, ch.NoteID)
			noteTitles[ch.NoteID] = ch.NoteTitle
		}
		counts[ch.NoteID]++
	}

	if total == 0 {
		return ContextBlock{}
	}

	sources := make([]Source, len(noteOrder))
	for i, id := range noteOrder {
		sources[i] = Source{NoteID: id, NoteTitle: noteTitles[id], ChunkCount: counts[id]}
	}

	return ContextBlock{
		ContextText: strings.TrimRight(sb.String(), "\n"),
		TotalTokens: total,
		Sources:     sources,
	}
}

// formatChunk renders one chunk with its citation header.
func formatChunk(ch retrieval.RetrievedChunk) string {
	return fmt.Sprintf("[Source: %s]\n%s\n\n", ch.NoteTitle, ch.Text)
}
