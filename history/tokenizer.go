package history

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// FallbackEncoding is used when the model has no known tiktoken encoding.
const FallbackEncoding = "cl100k_base"

func init() {
	// BPE ranks ship with the binary; nothing is fetched at runtime.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Tokenizer counts and truncates text in model tokens.
type Tokenizer interface {
	Count(text string) int
	Truncate(text string, budget int) string
}

// BPETokenizer is a Tokenizer backed by a tiktoken encoding.
type BPETokenizer struct {
	tke *tiktoken.Tiktoken
}

// Building a BPE is costly, so encodings are kept for the process lifetime.
var encodings = struct {
	mu sync.Mutex
	m  map[string]*tiktoken.Tiktoken
}{m: make(map[string]*tiktoken.Tiktoken)}

// NewTokenizer returns a tokenizer for model, falling back to cl100k_base
// when the model is not recognised.
func NewTokenizer(model string) (*BPETokenizer, error) {
	encodings.mu.Lock()
	defer encodings.mu.Unlock()

	if tke, ok := encodings.m[model]; ok {
		return &BPETokenizer{tke: tke}, nil
	}

	tke, err := tiktoken.EncodingForModel(model)
	if err != nil {
		if tke, err = tiktoken.GetEncoding(FallbackEncoding); err != nil {
			return nil, fmt.Errorf("load encoding %s: %w", FallbackEncoding, err)
		}
	}
	encodings.m[model] = tke
	return &BPETokenizer{tke: tke}, nil
}

// Count returns the number of tokens in text.
func (t *BPETokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.tke.Encode(text, nil, nil))
}

// Truncate returns the longest token prefix of text that fits in budget.
func (t *BPETokenizer) Truncate(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	tokens := t.tke.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return t.tke.Decode(tokens[:budget])
}
