// Package tokenizer maps text to a conservative token count. Counts are
// inflated by a fixed safety margin so that the pager's budget absorbs the
// mismatch between the reference encoding and whatever model is driving
// the session.
package tokenizer

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// SafetyMargin inflates every count to absorb tokenizer mismatch. Each
// priority rank of headroom in the pager is cheaper than an overflow.
const SafetyMargin = 1.75

const fallbackEncoding = "cl100k_base"

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Counter counts tokens for a specific model, falling back to a byte-length
// estimate when no encoding is available.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewCounter builds a Counter for the model. It never fails: if neither the
// model encoding nor the reference encoding can be loaded, the Counter uses
// the pure length estimate.
func NewCounter(model string) *Counter {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			slog.Warn("No tokenizer encoding available, using length estimate",
				"model", model, "error", err)
			return &Counter{model: model}
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}
}

// Count returns the margin-adjusted token count for text. Empty or
// whitespace-only input counts as zero; any other input counts at least 1.
func (c *Counter) Count(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}

	var raw int
	if c != nil && c.encoding != nil {
		raw = len(c.encoding.Encode(text, nil, nil))
	} else {
		raw = rawEstimate(text)
	}

	adjusted := int(float64(raw) * SafetyMargin)
	if adjusted < 1 {
		adjusted = 1
	}
	return adjusted
}

// Model returns the model name this counter was built for.
func (c *Counter) Model() string {
	return c.model
}

// Estimate is the pure fallback: ceil(len/3) with the safety margin applied.
// It is used when no encoding can be loaded and by tests that must not
// depend on tiktoken data files.
func Estimate(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	adjusted := int(float64(rawEstimate(text)) * SafetyMargin)
	if adjusted < 1 {
		adjusted = 1
	}
	return adjusted
}

func rawEstimate(text string) int {
	return (len(text) + 2) / 3
}
