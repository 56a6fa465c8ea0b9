package proposer

import (
	"fmt"
	"strings"

	"github.com/B-A-M-N/amnesic/pkg/state"
)

// TurnInput is the read-only view the session assembles for one proposal.
// The proposer never touches the pager directly.
type TurnInput struct {
	State *state.AgentState

	// L1Listing and L2Listing are display lines, e.g. "FILE:part_1.txt (pinned)".
	L1Listing []string
	L2Listing []string

	// Workspace is the scanner's structural summary.
	Workspace string

	// MaskWorkspace hides the file map when disk access is forbidden.
	MaskWorkspace bool
}

const systemPreamble = `You are the reasoning core of a context-paged agent. Your working memory (L1) is small and explicitly managed: you see only what you have staged. Decide ONE tool call per turn.

Reply with ONLY a JSON object of this exact shape, no prose around it:`

const strictModeRules = `MEMORY RULES (strict amnesia): only ONE workspace file may be staged at a time. Unstage the current file before staging the next. Distill what you learn into artifacts before moving on.`

const elasticModeRules = `MEMORY RULES (elastic): multiple files may be staged while the token budget allows. The pager evicts stale pages automatically; save important facts as artifacts so they survive eviction.`

// buildSystemPrompt renders the static instruction block.
func (p *Proposer) buildSystemPrompt(in TurnInput) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n")
	b.WriteString(p.schema)
	b.WriteString("\n\n")
	if in.State.Framework.ElasticMode {
		b.WriteString(elasticModeRules)
	} else {
		b.WriteString(strictModeRules)
	}
	b.WriteString("\n\nTOOLS: stage_context, unstage_context, save_artifact, stage_artifact, stage_multiple_artifacts, delete_artifact, query_sidecar, edit_file, write_file, calculate, verify_step, compare_files, switch_strategy, set_audit_policy, enable_policy, disable_policy, halt_and_ask.")
	return b.String()
}

// buildUserPrompt renders the per-turn situation.
func (p *Proposer) buildUserPrompt(in TurnInput) string {
	fw := in.State.Framework
	var b strings.Builder

	fmt.Fprintf(&b, "MISSION: %s\n", fw.Mission)
	if fw.Hypothesis != "" {
		fmt.Fprintf(&b, "HYPOTHESIS: %s\n", fw.Hypothesis)
	}
	if len(fw.Constraints) > 0 {
		fmt.Fprintf(&b, "CONSTRAINTS: %s\n", strings.Join(fw.Constraints, "; "))
	}
	fmt.Fprintf(&b, "STRATEGY: %s\n\n", fw.Strategy)

	b.WriteString("L1 (staged, visible):\n")
	writeListing(&b, in.L1Listing)
	b.WriteString("L2 (staging, one stage_context away):\n")
	writeListing(&b, in.L2Listing)

	// Artifact shadowing: identifiers only. The agent re-stages an artifact
	// when it needs the payload, which keeps hoarded values out of context.
	b.WriteString("ARTIFACTS (stage_artifact <IDENT> to view):\n")
	if ids := fw.ArtifactIDs(); len(ids) > 0 {
		for _, id := range ids {
			fmt.Fprintf(&b, "  <%s>\n", id)
		}
	} else {
		b.WriteString("  (none)\n")
	}
	b.WriteString("\n")

	if in.MaskWorkspace {
		b.WriteString("WORKSPACE: (masked; disk access is forbidden this mission)\n")
	} else if in.Workspace != "" {
		fmt.Fprintf(&b, "WORKSPACE:\n%s\n", in.Workspace)
	}
	b.WriteString("\n")

	if history := compressHistory(fw.History, p.maxRecent); history != "" {
		fmt.Fprintf(&b, "HISTORY:\n%s\n\n", history)
	}
	if fw.LastFeedback != "" {
		fmt.Fprintf(&b, "LAST ACTION FEEDBACK: %s\n\n", fw.LastFeedback)
	}

	if in.State.L1Render != "" {
		fmt.Fprintf(&b, "STAGED CONTENT:\n%s\n\n", in.State.L1Render)
	}

	b.WriteString("Decide the single next tool call.")
	return b.String()
}

func writeListing(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("  (empty)\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "  %s\n", item)
	}
}

// compressHistory keeps the last maxRecent decisions verbatim and collapses
// everything older into one milestone line.
func compressHistory(history []state.DecisionRecord, maxRecent int) string {
	if len(history) == 0 {
		return ""
	}
	if maxRecent <= 0 {
		maxRecent = 5
	}

	var b strings.Builder
	if older := len(history) - maxRecent; older > 0 {
		successes, rejections := 0, 0
		for _, rec := range history[:older] {
			if rec.ExecutionResult == state.ExecSuccess {
				successes++
			}
			if rec.Verdict == "REJECT" {
				rejections++
			}
		}
		fmt.Fprintf(&b, "MILESTONE: processed %d initial steps (%d successful, %d rejected)\n",
			older, successes, rejections)
		history = history[older:]
	}

	for _, rec := range history {
		result := rec.ExecutionResult
		if result == "" {
			result = state.ExecNotExecuted
		}
		fmt.Fprintf(&b, "T%d %s %s -> %s (%s)\n", rec.Turn, rec.ToolCall, rec.Target, rec.Verdict, result)
	}
	return strings.TrimRight(b.String(), "\n")
}
