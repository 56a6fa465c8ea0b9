// Package proposer decides one action per turn: deterministic kernel
// policies first, the model driver second, with a layered healer between the
// model's reply and the kernel's Proposal type.
package proposer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/invopop/jsonschema"

	"github.com/B-A-M-N/amnesic/pkg/llms"
	"github.com/B-A-M-N/amnesic/pkg/policy"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
)

const defaultRetries = 2

// Proposer produces one Proposal per turn.
type Proposer struct {
	driver    llms.Driver
	engine    *policy.Engine
	retries   int
	maxRecent int
	schema    string
	onToken   func(string)
}

// Option tunes the proposer.
type Option func(*Proposer)

// WithRetries sets the number of corrective re-asks after an unparseable
// reply.
func WithRetries(n int) Option {
	return func(p *Proposer) { p.retries = n }
}

// WithMaxRecentTurns sets how many decisions stay verbatim before history
// compression kicks in.
func WithMaxRecentTurns(n int) Option {
	return func(p *Proposer) { p.maxRecent = n }
}

// WithTokenCallback streams model tokens to the callback as they arrive.
func WithTokenCallback(fn func(string)) Option {
	return func(p *Proposer) { p.onToken = fn }
}

// New builds a proposer around a driver and a policy engine.
func New(driver llms.Driver, engine *policy.Engine, opts ...Option) *Proposer {
	p := &Proposer{
		driver:    driver,
		engine:    engine,
		retries:   defaultRetries,
		maxRecent: 5,
		schema:    proposalSchema(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// proposalSchema renders the JSON schema the model is asked to follow.
func proposalSchema() string {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&protocol.Proposal{})
	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		// Unreachable for a static type; keep a usable fallback anyway.
		return `{"thought_process": "...", "tool_call": "...", "target": "..."}`
	}
	return string(raw)
}

// Propose returns the action for this turn. Kernel policies pre-empt the
// model; a model reply that defeats every healer layer becomes a kernel
// panic halt after the configured retries.
func (p *Proposer) Propose(ctx context.Context, in TurnInput) (*protocol.Proposal, error) {
	if forced := p.engine.Evaluate(in.State); forced != nil {
		return forced, nil
	}

	req := llms.StructuredRequest{
		System:            p.buildSystemPrompt(in),
		User:              p.buildUserPrompt(in),
		SchemaDescription: p.schema,
	}

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, protocol.WrapError(protocol.KindCancelled, "", err)
		}

		raw, err := p.generate(ctx, req)
		if err != nil {
			lastErr = err
			slog.Warn("Model driver failed", "attempt", attempt, "error", err)
			continue
		}

		proposal, err := Heal(raw)
		if err == nil {
			return proposal, nil
		}
		lastErr = err
		slog.Warn("Reply healing failed, retrying with correction", "attempt", attempt, "error", err)
		req.User = fmt.Sprintf("%s\n\nYour previous reply could not be parsed (%v). Reply with ONLY the JSON object, no surrounding text.",
			req.User, err)
	}

	// Kernel panic: surface the failure as a halt instead of crashing the
	// session loop.
	return &protocol.Proposal{
		ThoughtProcess: "All reply repair layers exhausted.",
		ToolCall:       "halt_and_ask",
		Target:         fmt.Sprintf("KERNEL PANIC: model protocol failure: %v", lastErr),
		PolicyName:     "KernelPanic",
	}, nil
}

func (p *Proposer) generate(ctx context.Context, req llms.StructuredRequest) (string, error) {
	if p.onToken != nil {
		return p.driver.GenerateStructuredStreaming(ctx, req, p.onToken)
	}
	return p.driver.GenerateStructured(ctx, req)
}
