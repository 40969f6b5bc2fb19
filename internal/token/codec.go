package token

import (
	"fmt"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// encodingName is the canonical tokenization model. Every token count in the
// system (chunking, context packing, prompt budgeting) comes from this one
// encoding so counts computed anywhere are valid everywhere else.
const encodingName = "cl100k_base"

// Codec provides token-level accounting over text.
type Codec interface {
	// Count returns the number of tokens in text. Empty text counts as 0.
	Count(text string) int

	// Encode converts text to token IDs. Empty text yields an empty slice.
	Encode(text string) []int

	// Decode converts token IDs back to text.
	Decode(ids []int) string

	// Truncate returns text cut to at most maxTokens tokens.
	Truncate(text string, maxTokens int) string
}

// Tiktoken is the Codec implementation backed by the cl100k_base BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the cl100k_base encoding.
func NewTiktoken() (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("loading %s encoding: %w", encodingName, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tiktoken) Encode(text string) []int {
	if text == "" {
		return []int{}
	}
	return t.enc.Encode(text, nil, nil)
}

func (t *Tiktoken) Decode(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	return t.enc.Decode(ids)
}

func (t *Tiktoken) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	ids := t.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	return t.enc.Decode(ids[:maxTokens])
}

// Registry hands out a lazily-initialized shared Codec. The loader runs at
// most once; concurrent first callers block on the same initialization
// instead of racing. Tests inject their own loader to substitute fakes.
type Registry struct {
	load  func() (Codec, error)
	once  sync.Once
	codec Codec
	err   error
}

// NewRegistry creates a Registry with the given loader. A nil loader uses
// the tiktoken-backed Codec.
func NewRegistry(load func() (Codec, error)) *Registry {
	if load == nil {
		load = func() (Codec, error) { return NewTiktoken() }
	}
	return &Registry{load: load}
}

// Codec returns the shared Codec, initializing it on first use.
func (r *Registry) Codec() (Codec, error) {
	r.once.Do(func() {
		r.codec, r.err = r.load()
	})
	return r.codec, r.err
}
