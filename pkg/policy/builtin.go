package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/B-A-M-N/amnesic/pkg/paging"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/state"
)

// Built-in policy names.
const (
	NameStagnationBreaker  = "StagnationBreaker"
	NameProgressLock       = "ProgressLock"
	NameL1ViolationHandler = "L1ViolationHandler"
	NameCriticalErrorHalt  = "CriticalErrorHalt"
	NameCompletionPolicy   = "CompletionPolicy"
	NameAutoHalt           = "AutoHalt"
)

// StagnationBreaker fires when the last four decisions were all rejections
// of the same tool. It clears the working set and points the agent at the
// next unprocessed sequential file.
type StagnationBreaker struct{}

func (*StagnationBreaker) Name() string  { return NameStagnationBreaker }
func (*StagnationBreaker) Priority() int { return 40 }

func (*StagnationBreaker) Condition(st *state.AgentState) bool {
	recent := st.Framework.LastDecisions(4)
	if len(recent) < 4 {
		return false
	}
	tool := recent[0].ToolCall
	for _, rec := range recent {
		if rec.Verdict != string(protocol.VerdictReject) || rec.ToolCall != tool {
			return false
		}
	}
	return true
}

func (*StagnationBreaker) React(st *state.AgentState) *protocol.Proposal {
	thought := "Four consecutive rejections of the same tool. Clearing the working set to break the loop."
	if next, ok := nextSequentialFile(st); ok {
		thought += fmt.Sprintf(" Consider staging %s next.", next)
	}
	return &protocol.Proposal{
		ThoughtProcess: thought,
		ToolCall:       "unstage_context",
		Target:         "ALL",
	}
}

// ProgressLock refuses early exits. When the mission demands N artifacts and
// fewer exist, a proposed halt or calculation is replaced by staging the next
// expected file. In strict amnesia mode a resident file page is unstaged
// first to make room.
type ProgressLock struct{}

func (*ProgressLock) Name() string  { return NameProgressLock }
func (*ProgressLock) Priority() int { return 30 }

func (*ProgressLock) Condition(st *state.AgentState) bool {
	n, ok := requiredCount(st)
	if !ok || st.Framework.NonMetaArtifactCount() >= n {
		return false
	}
	if st.LastProposal == nil {
		return false
	}
	tool := st.LastProposal.ToolCall
	return tool == "halt_and_ask" || tool == "calculate"
}

func (*ProgressLock) React(st *state.AgentState) *protocol.Proposal {
	if !st.Framework.ElasticMode {
		if blocker, ok := residentFilePage(st); ok {
			return &protocol.Proposal{
				ThoughtProcess: "Strict mode holds a file page while more artifacts are required. Unstaging it before the next stage.",
				ToolCall:       "unstage_context",
				Target:         blocker,
			}
		}
	}
	next, ok := nextSequentialFile(st)
	if !ok {
		return nil
	}
	n, _ := requiredCount(st)
	return &protocol.Proposal{
		ThoughtProcess: fmt.Sprintf("Only %d of %d required artifacts collected. Continuing with %s.",
			st.Framework.NonMetaArtifactCount(), n, next),
		ToolCall: "stage_context",
		Target:   next,
	}
}

// L1ViolationHandler reacts to a failed admission by evicting the page the
// pager named as the blocker.
type L1ViolationHandler struct{}

func (*L1ViolationHandler) Name() string  { return NameL1ViolationHandler }
func (*L1ViolationHandler) Priority() int { return 25 }

func (*L1ViolationHandler) Condition(st *state.AgentState) bool {
	if !strings.Contains(st.Framework.LastFeedback, state.FeedbackL1Violation) {
		return false
	}
	_, ok := state.L1ViolationBlocker(st.Framework.LastFeedback)
	return ok
}

func (*L1ViolationHandler) React(st *state.AgentState) *protocol.Proposal {
	blocker, _ := state.L1ViolationBlocker(st.Framework.LastFeedback)
	return &protocol.Proposal{
		ThoughtProcess: "The working set is full. Evicting the blocking page before retrying.",
		ToolCall:       "unstage_context",
		Target:         blocker,
	}
}

// CriticalErrorHalt surfaces unrecoverable tool failures to the operator
// instead of letting the model thrash against them.
type CriticalErrorHalt struct{}

func (*CriticalErrorHalt) Name() string  { return NameCriticalErrorHalt }
func (*CriticalErrorHalt) Priority() int { return 20 }

func (*CriticalErrorHalt) Condition(st *state.AgentState) bool {
	return strings.Contains(st.Framework.LastFeedback, state.FeedbackCriticalError)
}

func (*CriticalErrorHalt) React(st *state.AgentState) *protocol.Proposal {
	return &protocol.Proposal{
		ThoughtProcess: "A critical error cannot be recovered by further tool calls.",
		ToolCall:       "halt_and_ask",
		Target:         st.Framework.LastFeedback,
	}
}

// CompletionPolicy recognizes a finished mission and halts with a canonical
// summary. It declines while a demanded written output is still missing.
type CompletionPolicy struct{}

func (*CompletionPolicy) Name() string  { return NameCompletionPolicy }
func (*CompletionPolicy) Priority() int { return 10 }

func (*CompletionPolicy) Condition(st *state.AgentState) bool {
	fw := st.Framework
	if !completionSignal(st) {
		return false
	}
	if (fw.RequiresWrite || state.MentionsWrite(fw.Mission)) && !fw.WriteSucceeded() {
		return false
	}
	return true
}

func (*CompletionPolicy) React(st *state.AgentState) *protocol.Proposal {
	return &protocol.Proposal{
		ThoughtProcess: "All completion signals satisfied.",
		ToolCall:       "halt_and_ask",
		Target:         completionSummary(st.Framework),
	}
}

// AutoHalt ends simple extraction missions once any fact has been captured.
type AutoHalt struct{}

func (*AutoHalt) Name() string  { return NameAutoHalt }
func (*AutoHalt) Priority() int { return 5 }

func (*AutoHalt) Condition(st *state.AgentState) bool {
	fw := st.Framework
	if _, hasCount := requiredCount(st); hasCount {
		return false
	}
	return state.MentionsExtract(fw.Mission) && fw.NonMetaArtifactCount() >= 1
}

func (*AutoHalt) React(st *state.AgentState) *protocol.Proposal {
	return &protocol.Proposal{
		ThoughtProcess: "Single-target extraction complete.",
		ToolCall:       "halt_and_ask",
		Target:         completionSummary(st.Framework),
	}
}

func requiredCount(st *state.AgentState) (int, bool) {
	if n := st.Framework.RequiredArtifacts; n > 0 {
		return n, true
	}
	return state.RequiredCount(st.Framework.Mission)
}

func completionSignal(st *state.AgentState) bool {
	fw := st.Framework
	if state.MentionsCalculation(fw.Mission) {
		if _, ok := fw.Artifact("TOTAL"); ok {
			return true
		}
	}
	if n, ok := requiredCount(st); ok && fw.NonMetaArtifactCount() >= n {
		return true
	}
	for _, id := range fw.ArtifactIDs() {
		if strings.HasPrefix(id, "VERIFICATION") ||
			strings.HasSuffix(id, "COMPLETE") || strings.HasSuffix(id, "VIOLATION") {
			return true
		}
	}
	return false
}

func completionSummary(fw *state.FrameworkState) string {
	var b strings.Builder
	b.WriteString("Mission complete.")
	if total, ok := fw.Artifact("TOTAL"); ok {
		fmt.Fprintf(&b, " TOTAL: %s.", total.Summary)
	}
	if ids := fw.ArtifactIDs(); len(ids) > 0 {
		fmt.Fprintf(&b, " Artifacts: %s.", strings.Join(ids, ", "))
	}
	return b.String()
}

// residentFilePage returns a FILE page currently in L1, preferring the
// lexically first for determinism.
func residentFilePage(st *state.AgentState) (string, bool) {
	var files []string
	for _, id := range st.L1IDs {
		if strings.HasPrefix(id, paging.NamespaceFile) {
			files = append(files, id)
		}
	}
	if len(files) == 0 {
		return "", false
	}
	sort.Strings(files)
	return files[0], true
}

// nextSequentialFile picks the next workspace file worth staging: the first
// sequential-step file whose derived artifact is still missing, else the
// first file not resident in L1.
func nextSequentialFile(st *state.AgentState) (string, bool) {
	paths := make([]string, len(st.WorkspacePaths))
	copy(paths, st.WorkspacePaths)
	sort.Strings(paths)

	for _, p := range paths {
		if !state.SequentialStepTarget(p) {
			continue
		}
		if _, ok := st.Framework.Artifact(derivedIdentifier(p)); !ok {
			return p, true
		}
	}
	for _, p := range paths {
		if !st.InL1(paging.NamespaceFile + state.Basename(p)) {
			return p, true
		}
	}
	return "", false
}

// derivedIdentifier maps part_1.txt style files to their conventional
// artifact names (PART_1).
func derivedIdentifier(path string) string {
	base := state.Basename(path)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return strings.ToUpper(strings.ReplaceAll(base, "-", "_"))
}
