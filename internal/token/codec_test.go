package token

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

// loadCodec returns a real tiktoken Codec, skipping the test when the
// encoding data is unavailable (first load fetches the BPE ranks).
func loadCodec(t *testing.T) Codec {
	t.Helper()
	c, err := NewTiktoken()
	if err != nil {
		t.Skipf("cl100k_base encoding unavailable: %v", err)
	}
	return c
}

func TestCountEmpty(t *testing.T) {
	c := loadCodec(t)
	if got := c.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}
	if got := c.Encode(""); len(got) != 0 {
		t.Errorf("Encode(\"\") = %v, want empty", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := loadCodec(t)
	texts := []string{
		"hello world",
		"The quick brown fox jumps over the lazy dog.",
		"Notes from the 2019 retreat: grace, patience, and long walks.",
		"multi\nline\n\ntext with   spacing",
	}
	for _, text := range texts {
		if got := c.Decode(c.Encode(text)); got != text {
			t.Errorf("Decode(Encode(%q)) = %q", text, got)
		}
	}
}

func TestCountMatchesEncode(t *testing.T) {
	c := loadCodec(t)
	text := "counting tokens should agree with encoding length"
	if c.Count(text) != len(c.Encode(text)) {
		t.Errorf("Count = %d, len(Encode) = %d", c.Count(text), len(c.Encode(text)))
	}
}

func TestTruncate(t *testing.T) {
	c := loadCodec(t)
	text := "one two three four five six seven eight nine ten"

	short := c.Truncate(text, 3)
	if got := c.Count(short); got > 3 {
		t.Errorf("truncated text has %d tokens, want <= 3", got)
	}

	if got := c.Truncate(text, 1000); got != text {
		t.Errorf("Truncate under limit changed text: %q", got)
	}
	if got := c.Truncate(text, 0); got != "" {
		t.Errorf("Truncate(text, 0) = %q, want empty", got)
	}
}

func TestRegistryInitializesOnce(t *testing.T) {
	var loads atomic.Int32
	reg := NewRegistry(func() (Codec, error) {
		loads.Add(1)
		return &fakeCodec{}, nil
	})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Codec(); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := loads.Load(); got != 1 {
		t.Errorf("loader ran %d times, want 1", got)
	}
}

func TestRegistryPropagatesLoadError(t *testing.T) {
	wantErr := errors.New("no encoding")
	reg := NewRegistry(func() (Codec, error) { return nil, wantErr })

	if _, err := reg.Codec(); !errors.Is(err, wantErr) {
		t.Errorf("got %v, want %v", err, wantErr)
	}
	// Error is sticky across calls.
	if _, err := reg.Codec(); !errors.Is(err, wantErr) {
		t.Errorf("second call got %v, want %v", err, wantErr)
	}
}

type fakeCodec struct{}

func (fakeCodec) Count(text string) int { return len(text) }
func (fakeCodec) Encode(text string) []int {
	ids := make([]int, len(text))
	for i := range text {
		ids[i] = int(text[i])
	}
	return ids
}
func (fakeCodec) Decode(ids []int) string {
	b := make([]byte, len(ids))
	for i, id := range ids {
		b[i] = byte(id)
	}
	return string(b)
}
func (fakeCodec) Truncate(text string, maxTokens int) string {
	if len(text) <= maxTokens {
		return text
	}
	if maxTokens < 0 {
		return ""
	}
	return text[:maxTokens]
}
