// Package tokens provides approximate token counting for prompt-size
// accounting and local context measurement.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens using a tiktoken codec. Claude tokenization is
// approximated with the GPT-4 encoding; the consumers here only need
// percentages, not exact counts.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a token counter.
func NewCounter() (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in text, falling back to a 4-chars-per-
// token estimate if the codec is unavailable or fails.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Percent returns used tokens as a percentage of capacity, clamped to
// [0,100]. A non-positive capacity yields 0.
func Percent(used, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	pct := used * 100 / capacity
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
