// Package llms provides the model Driver abstraction and its provider
// implementations (ollama, openai, anthropic, gemini, local).
package llms

import (
	"context"
)

// StructuredRequest asks a driver for a reply that should conform to a JSON
// schema. The kernel heals non-conforming replies; drivers only pass the
// schema description through to models that support constrained output.
type StructuredRequest struct {
	System            string
	User              string
	SchemaDescription string
}

// Driver is the capability set the kernel requires from a language model.
type Driver interface {
	// Embed maps text to a vector for relevance scoring and L3 recall.
	Embed(ctx context.Context, text string) ([]float32, error)

	// GenerateStructured returns the raw model reply for a structured
	// request. Healing and retries happen in the proposer.
	GenerateStructured(ctx context.Context, req StructuredRequest) (string, error)

	// GenerateStructuredStreaming streams tokens to onToken and returns the
	// full reply.
	GenerateStructuredStreaming(ctx context.Context, req StructuredRequest, onToken func(string)) (string, error)

	// GenerateRaw performs a plain completion (used by edit_file).
	GenerateRaw(ctx context.Context, prompt, system string) (string, error)

	ModelName() string

	// LastTokenCount reports the token usage of the most recent request
	// for telemetry.
	LastTokenCount() int

	Close() error
}
