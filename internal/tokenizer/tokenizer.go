package tokenizer

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer estimates token counts of model output using tiktoken
// encodings. Encodings are cached via sync.Once to avoid repeated
// initialization; when an encoding cannot be loaded (offline hosts), a
// character-based heuristic is used instead.
type Tokenizer struct {
	cl100kOnce sync.Once
	cl100kEnc  *tiktoken.Tiktoken
	cl100kErr  error

	o200kOnce sync.Once
	o200kEnc  *tiktoken.Tiktoken
	o200kErr  error
}

// New creates a Tokenizer.
func New() *Tokenizer {
	return &Tokenizer{}
}

// encodingForModel picks the tiktoken encoding family by model-name prefix.
// Non-OpenAI models get cl100k_base, which is close enough for an output
// estimate.
func encodingForModel(model string) string {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}

// CountText returns the estimated token count of text for the given model.
func (t *Tokenizer) CountText(model, text string) int {
	if text == "" {
		return 0
	}

	enc := t.encoding(encodingForModel(model))
	if enc == nil {
		// Rough heuristic: ~4 characters per token.
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// encoding returns the cached encoding, or nil when it cannot be loaded.
func (t *Tokenizer) encoding(name string) *tiktoken.Tiktoken {
	switch name {
	case "o200k_base":
		t.o200kOnce.Do(func() {
			t.o200kEnc, t.o200kErr = tiktoken.GetEncoding("o200k_base")
		})
		if t.o200kErr != nil {
			return nil
		}
		return t.o200kEnc
	default:
		t.cl100kOnce.Do(func() {
			t.cl100kEnc, t.cl100kErr = tiktoken.GetEncoding("cl100k_base")
		})
		if t.cl100kErr != nil {
			return nil
		}
		return t.cl100kEnc
	}
}
