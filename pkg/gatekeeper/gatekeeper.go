// Package gatekeeper audits every proposed action before the effector may
// run it. The audit is a layered pipeline; the first layer to reject wins,
// and every rejection carries a correction string the proposer surfaces on
// the next turn.
package gatekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/B-A-M-N/amnesic/pkg/llms"
	"github.com/B-A-M-N/amnesic/pkg/paging"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/state"
	"github.com/B-A-M-N/amnesic/pkg/workspace"
)

// bootstrapTurns is the grace window at session start during which relevance
// scoring cannot reject: the mission embedding has nothing to compare against
// until some context exists.
const bootstrapTurns = 5

// sequentialFastPathThreshold admits sequential-step targets above this
// relevance regardless of profile.
const sequentialFastPathThreshold = 0.55

// EmbedFunc produces the vectors for relevance scoring.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Gatekeeper evaluates proposals against the active audit profile.
type Gatekeeper struct {
	profile protocol.AuditProfile
	roots   []string
	embed   EmbedFunc
}

// New builds a gatekeeper. A nil embed falls back to the deterministic hash
// embedding so relevance scoring works offline.
func New(profile protocol.AuditProfile, roots []string, embed EmbedFunc) *Gatekeeper {
	if embed == nil {
		embed = func(_ context.Context, text string) ([]float32, error) {
			return llms.HashEmbedding(text), nil
		}
	}
	return &Gatekeeper{profile: profile, roots: roots, embed: embed}
}

// SetProfile swaps the active audit profile (set_audit_policy tool).
func (g *Gatekeeper) SetProfile(p protocol.AuditProfile) {
	g.profile = p
}

// Profile returns the active audit profile.
func (g *Gatekeeper) Profile() protocol.AuditProfile {
	return g.profile
}

// Tools whose targets are filesystem paths, subject to the sandbox.
var pathTools = map[string]bool{
	"stage_context": true,
	"edit_file":     true,
	"write_file":    true,
	"compare_files": true,
}

// Idempotent reads are exempt from the exact-repeat stagnation check; their
// repetition is handled as an idempotent PASS instead.
var idempotentTools = map[string]bool{
	"stage_context":            true,
	"unstage_context":          true,
	"stage_artifact":           true,
	"stage_multiple_artifacts": true,
	"query_sidecar":            true,
	"verify_step":              true,
	"halt_and_ask":             true,
}

// State-mutating tools that must pass relevance scoring. Everything else is
// exempt from layer 4.
var relevanceAudited = map[string]bool{
	"save_artifact": true,
	"edit_file":     true,
	"write_file":    true,
	"calculate":     true,
}

// Evaluate runs the layer pipeline. The gatekeeper never issues tool calls;
// its only outputs are verdicts.
func (g *Gatekeeper) Evaluate(ctx context.Context, st *state.AgentState, p *protocol.Proposal) protocol.Verdict {
	if p == nil || strings.TrimSpace(p.ToolCall) == "" {
		return protocol.Reject("empty proposal", "Propose a tool call from the documented set.")
	}

	if v, done := g.physicalPreflight(st, p); done {
		return v
	}
	if v, done := g.structuralHygiene(st, p); done {
		return v
	}
	if v, done := g.stateCorrectness(st, p); done {
		return v
	}
	if p.ToolCall == "save_artifact" {
		if v, done := g.semanticGrounding(st, p); done {
			return v
		}
	}
	return g.relevance(ctx, st, p)
}

// Layer 0: physical preflight. Runs for every tool, fast path or not.
func (g *Gatekeeper) physicalPreflight(st *state.AgentState, p *protocol.Proposal) (protocol.Verdict, bool) {
	if st.ToolForbidden(p.ToolCall) {
		return protocol.Reject(
			fmt.Sprintf("tool %q is forbidden by the session configuration", p.ToolCall),
			"Choose a different tool; this one is disabled for the current mission."), true
	}

	if pathTools[p.ToolCall] && len(g.roots) > 0 {
		for _, raw := range splitTargets(p.ToolCall, p.Target) {
			path := stripQuery(stripPagePrefix(raw))
			if path == "" || path == "ALL" {
				continue
			}
			if _, err := workspace.Resolve(g.roots, path); err != nil {
				if protocol.IsKind(err, protocol.KindSandboxViolation) {
					return protocol.Reject(
						fmt.Sprintf("path %q violates the sandbox: %v", path, err),
						"Target only files inside the workspace roots."), true
				}
			}
		}
	}
	return protocol.Verdict{}, false
}

// Layer 1: structural hygiene.
func (g *Gatekeeper) structuralHygiene(st *state.AgentState, p *protocol.Proposal) (protocol.Verdict, bool) {
	if p.ToolCall == "save_artifact" {
		key, _ := state.SplitArtifactTarget(p.Target)
		if !state.ValidIdentifier(key) {
			return protocol.Reject(
				fmt.Sprintf("identifier %q is semantic pollution", key),
				"Artifact identifiers are short symbols like PART_1 or DB_PASSWORD, not prose."), true
		}
	}

	if !idempotentTools[p.ToolCall] {
		if n := len(st.Framework.History); n > 0 {
			last := st.Framework.History[n-1]
			if last.ToolCall == p.ToolCall && last.Target == p.Target {
				return protocol.Reject(
					"exact repeat of the previous action (stagnation)",
					"The identical call just ran. Change the target or the tool."), true
			}
		}
	}
	return protocol.Verdict{}, false
}

// Hoarding phrases that betray an attempt to keep multiple files resident in
// strict amnesia mode.
var hoardingPhrases = []string{
	"without unstaging",
	"keep both",
	"keep all",
	"keep them all",
	"alongside the current",
	"in addition to the staged",
}

// Layer 2: state correctness.
func (g *Gatekeeper) stateCorrectness(st *state.AgentState, p *protocol.Proposal) (protocol.Verdict, bool) {
	fw := st.Framework

	switch p.ToolCall {
	case "stage_context":
		if !fw.ElasticMode {
			thought := strings.ToLower(p.ThoughtProcess)
			for _, phrase := range hoardingPhrases {
				if strings.Contains(thought, phrase) {
					return protocol.Reject(
						"strict amnesia mode allows one working file at a time (One-File Limit)",
						"Unstage the current file before staging another."), true
				}
			}
		}
		for _, raw := range splitTargets(p.ToolCall, p.Target) {
			path := stripQuery(stripPagePrefix(raw))
			if st.InL1(paging.NamespaceFile + state.Basename(path)) {
				return protocol.Pass("idempotent: page already resident in L1", 1.0), true
			}
			if !st.InWorkspace(path) {
				return protocol.Reject(
					fmt.Sprintf("path %q is not in the workspace map", path),
					"Stage only files the workspace scan lists."), true
			}
		}

	case "unstage_context":
		if p.Target == "ALL" {
			return protocol.Verdict{}, false
		}
		id := p.Target
		if !strings.Contains(id, ":") {
			id = paging.NamespaceFile + state.Basename(id)
		}
		if !st.InL1(id) {
			return protocol.Pass("idempotent: page already absent from L1", 1.0), true
		}

	case "save_artifact":
		key, value := state.SplitArtifactTarget(p.Target)
		if existing, ok := fw.Artifact(key); ok && fw.ElasticMode &&
			normalize(existing.Summary) == normalize(value) {
			return protocol.Reject(
				fmt.Sprintf("artifact %s is already up-to-date; move on", key),
				"That exact fact is saved. Proceed to the next step."), true
		}

	case "halt_and_ask":
		if n, ok := requiredCount(fw); ok && fw.NonMetaArtifactCount() < n {
			label := "premature halt"
			if state.IsSequentialMission(fw.Mission) {
				label = "premature completion"
			}
			return protocol.Reject(
				fmt.Sprintf("%s: %d of %d required artifacts collected", label, fw.NonMetaArtifactCount(), n),
				"Collect the remaining artifacts before halting."), true
		}
	}
	return protocol.Verdict{}, false
}

// Layer 3: semantic grounding, save_artifact only. The claimed value must be
// traceable to something the agent has actually seen.
func (g *Gatekeeper) semanticGrounding(st *state.AgentState, p *protocol.Proposal) (protocol.Verdict, bool) {
	_, value := state.SplitArtifactTarget(p.Target)
	if strings.TrimSpace(value) == "" {
		return protocol.Verdict{}, false
	}

	if grounded(st, p, value) {
		return protocol.Verdict{}, false
	}
	return protocol.Reject(
		fmt.Sprintf("value %q is not grounded in staged context or prior artifacts (hallucination)", truncate(value, 80)),
		"Save only values visible in L1, derived from prior artifacts, or produced by the calculator."), true
}

func grounded(st *state.AgentState, p *protocol.Proposal, value string) bool {
	norm := normalize(value)
	if norm == "" {
		return true
	}

	if strings.Contains(normalize(st.L1Render), norm) {
		return true
	}

	// Transitive grounding through existing artifacts.
	for _, id := range st.Framework.ArtifactIDs() {
		a, _ := st.Framework.Artifact(id)
		if strings.Contains(normalize(a.Summary), norm) {
			return true
		}
	}

	// Derived numerics from a math rationale or a prior calculator run.
	if isNumeric(norm) {
		if strings.ContainsAny(p.ThoughtProcess, "+-*/=") {
			return true
		}
		for _, rec := range st.Framework.History {
			if rec.ToolCall == "calculate" && rec.ExecutionResult == state.ExecSuccess {
				return true
			}
		}
	}

	// Sanitization missions legitimately save values that never appeared.
	if st.Framework.SanitizationMode && looksRedacted(value) {
		return true
	}
	return false
}

// Layer 4: relevance. Only state-mutating tools are scored.
func (g *Gatekeeper) relevance(ctx context.Context, st *state.AgentState, p *protocol.Proposal) protocol.Verdict {
	if !relevanceAudited[p.ToolCall] {
		return protocol.Pass("exempt from relevance audit", 1.0)
	}

	score, err := g.relevanceScore(ctx, st.Framework.Mission, p)
	if err != nil {
		slog.Warn("Relevance embedding failed, passing with low confidence", "error", err)
		return protocol.Pass("relevance unavailable", 0.5)
	}

	if st.Turn <= bootstrapTurns {
		if score < g.profile.RelevanceThreshold {
			slog.Debug("Bootstrap pass below threshold", "tool", p.ToolCall, "score", score)
		}
		return protocol.Pass("bootstrap window", maxFloat(score, 0.5))
	}

	if state.SequentialStepTarget(p.Target) && score > sequentialFastPathThreshold {
		return protocol.Pass("sequential step fast path", score)
	}

	threshold := g.profile.RelevanceThreshold
	if g.profile.IsFastPath(p.ToolCall) && !g.profile.IsStrict(p.ToolCall) && score >= threshold {
		return protocol.Pass("profile fast path", score)
	}
	if score >= threshold {
		return protocol.Pass("relevant to mission", score)
	}

	return protocol.Reject(
		fmt.Sprintf("relevance %.2f below threshold %.2f for %s", score, threshold, p.ToolCall),
		"Explain how this action serves the mission, or pick one that does.")
}

func (g *Gatekeeper) relevanceScore(ctx context.Context, mission string, p *protocol.Proposal) (float64, error) {
	action := strings.TrimSpace(p.ToolCall + " " + p.Target + " " + p.ThoughtProcess)
	av, err := g.embed(ctx, action)
	if err != nil {
		return 0, err
	}
	mv, err := g.embed(ctx, mission)
	if err != nil {
		return 0, err
	}
	return llms.CosineSimilarity(av, mv), nil
}

func splitTargets(tool, target string) []string {
	if tool == "compare_files" || tool == "stage_context" {
		parts := strings.Split(target, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	// edit_file and write_file targets are "path: payload".
	if i := strings.Index(target, ":"); i > 0 {
		return []string{strings.TrimSpace(target[:i])}
	}
	return []string{strings.TrimSpace(target)}
}

func stripQuery(path string) string {
	if i := strings.Index(path, "?"); i >= 0 {
		return path[:i]
	}
	return path
}

func stripPagePrefix(id string) string {
	return strings.TrimPrefix(id, paging.NamespaceFile)
}

func requiredCount(fw *state.FrameworkState) (int, bool) {
	if fw.RequiredArtifacts > 0 {
		return fw.RequiredArtifacts, true
	}
	return state.RequiredCount(fw.Mission)
}

var punctReplacer = strings.NewReplacer(
	",", " ", ".", " ", ";", " ", ":", " ", "!", " ", "?", " ",
	"\"", " ", "'", " ", "(", " ", ")", " ", "[", " ", "]", " ",
	"{", " ", "}", " ", "\n", " ", "\t", " ",
)

// normalize collapses punctuation and whitespace for tolerant substring
// matching.
func normalize(s string) string {
	return strings.Join(strings.Fields(punctReplacer.Replace(strings.ToLower(s))), " ")
}

func isNumeric(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	dot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '-' && i == 0:
		case r == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return true
}

func looksRedacted(value string) bool {
	upper := strings.ToUpper(value)
	return strings.Contains(upper, "REDACTED") || strings.Contains(value, "***") ||
		strings.Contains(upper, "[MASKED]")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
