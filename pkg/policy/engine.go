// Package policy implements the deterministic kernel policies that pre-empt
// the model. The proposer consults the engine first every turn; a firing
// policy replaces the model call entirely.
package policy

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/state"
)

// KernelPolicy is one deterministic rule. Condition is a cheap predicate;
// React may still decline by returning nil, in which case the engine tries
// the next policy.
type KernelPolicy interface {
	Name() string
	Priority() int
	Condition(st *state.AgentState) bool
	React(st *state.AgentState) *protocol.Proposal
}

// Engine holds the active policies sorted by descending priority.
type Engine struct {
	policies []KernelPolicy
}

// NewEngine sorts the given policies once at construction. Equal priorities
// keep a stable name order so evaluation is deterministic.
func NewEngine(policies ...KernelPolicy) *Engine {
	sorted := make([]KernelPolicy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority() != sorted[j].Priority() {
			return sorted[i].Priority() > sorted[j].Priority()
		}
		return sorted[i].Name() < sorted[j].Name()
	})
	return &Engine{policies: sorted}
}

// Defaults returns the six built-in policies.
func Defaults() []KernelPolicy {
	return []KernelPolicy{
		&StagnationBreaker{},
		&ProgressLock{},
		&L1ViolationHandler{},
		&CriticalErrorHalt{},
		&CompletionPolicy{},
		&AutoHalt{},
	}
}

// Evaluate runs the policy chain and returns the first proposal a policy
// produces, tagged with the policy name, or nil when the model should decide.
func (e *Engine) Evaluate(st *state.AgentState) *protocol.Proposal {
	for _, p := range e.policies {
		name := p.Name()
		if !st.Framework.PolicyEnabled(name) {
			continue
		}
		// Anti-loop guard: a policy whose forced action was just rejected
		// must not force it again.
		if strings.Contains(st.Framework.LastFeedback, "["+name+"] REJECTED") {
			slog.Debug("Skipping recently rejected policy", "policy", name)
			continue
		}
		if !p.Condition(st) {
			continue
		}
		proposal := p.React(st)
		if proposal == nil {
			continue
		}
		proposal.PolicyName = name
		slog.Info("Kernel policy fired", "policy", name, "tool", proposal.ToolCall, "target", proposal.Target)
		return proposal
	}
	return nil
}

// Names lists the active policy names in evaluation order.
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.policies))
	for _, p := range e.policies {
		names = append(names, p.Name())
	}
	return names
}
