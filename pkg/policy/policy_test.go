package policy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/state"
)

func newState(mission string) *state.AgentState {
	return &state.AgentState{Framework: state.NewFrameworkState(mission)}
}

func saveArtifact(t *testing.T, fw *state.FrameworkState, id, value string) {
	t.Helper()
	require.NoError(t, fw.SaveArtifact(&state.Artifact{
		Identifier: id,
		Type:       state.ArtifactResult,
		Summary:    value,
		Status:     state.StatusCommitted,
	}))
}

func recordRejects(t *testing.T, fw *state.FrameworkState, tool string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, fw.RecordDecision(state.DecisionRecord{
			Turn:     i,
			ToolCall: tool,
			Verdict:  string(protocol.VerdictReject),
		}))
	}
}

func TestStagnationBreakerFiresAfterFourRejects(t *testing.T) {
	st := newState("process the files")
	recordRejects(t, st.Framework, "save_artifact", 4)

	engine := NewEngine(Defaults()...)
	proposal := engine.Evaluate(st)

	require.NotNil(t, proposal)
	assert.Equal(t, "unstage_context", proposal.ToolCall)
	assert.Equal(t, "ALL", proposal.Target)
	assert.Equal(t, NameStagnationBreaker, proposal.PolicyName)
}

func TestStagnationBreakerNeedsSameTool(t *testing.T) {
	st := newState("process the files")
	fw := st.Framework
	require.NoError(t, fw.RecordDecision(state.DecisionRecord{Turn: 1, ToolCall: "save_artifact", Verdict: "REJECT"}))
	require.NoError(t, fw.RecordDecision(state.DecisionRecord{Turn: 2, ToolCall: "stage_context", Verdict: "REJECT"}))
	require.NoError(t, fw.RecordDecision(state.DecisionRecord{Turn: 3, ToolCall: "save_artifact", Verdict: "REJECT"}))
	require.NoError(t, fw.RecordDecision(state.DecisionRecord{Turn: 4, ToolCall: "save_artifact", Verdict: "REJECT"}))

	assert.False(t, (&StagnationBreaker{}).Condition(st))
}

func TestProgressLockBlocksEarlyHalt(t *testing.T) {
	st := newState("extract all 3 secrets from the parts")
	st.Framework.ElasticMode = true
	st.WorkspacePaths = []string{"part_1.txt", "part_2.txt", "part_3.txt"}
	saveArtifact(t, st.Framework, "PART_1", "alpha")
	st.LastProposal = &protocol.Proposal{ToolCall: "halt_and_ask", Target: "done"}

	engine := NewEngine(Defaults()...)
	proposal := engine.Evaluate(st)

	require.NotNil(t, proposal)
	assert.Equal(t, NameProgressLock, proposal.PolicyName)
	assert.Equal(t, "stage_context", proposal.ToolCall)
	assert.Equal(t, "part_2.txt", proposal.Target)
}

func TestProgressLockStrictModeUnstagesFirst(t *testing.T) {
	st := newState("extract all 3 secrets from the parts")
	st.WorkspacePaths = []string{"part_1.txt", "part_2.txt", "part_3.txt"}
	st.L1IDs = []string{"SYS:mission", "FILE:part_1.txt"}
	saveArtifact(t, st.Framework, "PART_1", "alpha")
	st.LastProposal = &protocol.Proposal{ToolCall: "calculate", Target: "SUM_BACKPACK"}

	proposal := NewEngine(Defaults()...).Evaluate(st)

	require.NotNil(t, proposal)
	assert.Equal(t, NameProgressLock, proposal.PolicyName)
	assert.Equal(t, "unstage_context", proposal.ToolCall)
	assert.Equal(t, "FILE:part_1.txt", proposal.Target)
}

func TestProgressLockExplicitRequiredArtifacts(t *testing.T) {
	st := newState("gather the data")
	st.Framework.ElasticMode = true
	st.Framework.RequiredArtifacts = 2
	st.WorkspacePaths = []string{"val_1.md", "val_2.md"}
	st.LastProposal = &protocol.Proposal{ToolCall: "halt_and_ask"}

	proposal := NewEngine(Defaults()...).Evaluate(st)

	require.NotNil(t, proposal)
	assert.Equal(t, NameProgressLock, proposal.PolicyName)
	assert.Equal(t, "val_1.md", proposal.Target)
}

func TestL1ViolationHandlerEvictsBlocker(t *testing.T) {
	st := newState("stage big files")
	st.Framework.LastFeedback = "L1 RAM VIOLATION: cannot admit 'part_2.txt'. Evict 'FILE:part_1.txt' first."

	proposal := NewEngine(Defaults()...).Evaluate(st)

	require.NotNil(t, proposal)
	assert.Equal(t, NameL1ViolationHandler, proposal.PolicyName)
	assert.Equal(t, "unstage_context", proposal.ToolCall)
	assert.Equal(t, "FILE:part_1.txt", proposal.Target)
}

func TestCriticalErrorHaltSurfacesFeedback(t *testing.T) {
	st := newState("read the data")
	st.Framework.LastFeedback = "CRITICAL ERROR: File 'missing.txt' NOT FOUND in workspace."

	proposal := NewEngine(Defaults()...).Evaluate(st)

	require.NotNil(t, proposal)
	assert.Equal(t, NameCriticalErrorHalt, proposal.PolicyName)
	assert.Equal(t, "halt_and_ask", proposal.ToolCall)
	assert.Contains(t, proposal.Target, "missing.txt")
}

func TestCompletionPolicyOnTotalArtifact(t *testing.T) {
	st := newState("calculate the total weight")
	saveArtifact(t, st.Framework, "TOTAL", "Final (ADD): 60")

	proposal := NewEngine(Defaults()...).Evaluate(st)

	require.NotNil(t, proposal)
	assert.Equal(t, NameCompletionPolicy, proposal.PolicyName)
	assert.Equal(t, "halt_and_ask", proposal.ToolCall)
	assert.Contains(t, proposal.Target, "Final (ADD): 60")
}

func TestCompletionPolicyDeclinesUntilWriteHappens(t *testing.T) {
	st := newState("calculate the total and write a report file")
	saveArtifact(t, st.Framework, "TOTAL", "Final (ADD): 60")

	// Declining means the model keeps driving toward the write.
	assert.Nil(t, NewEngine(Defaults()...).Evaluate(st))

	require.NoError(t, st.Framework.RecordDecision(state.DecisionRecord{
		Turn:            1,
		ToolCall:        "write_file",
		Verdict:         string(protocol.VerdictPass),
		ExecutionResult: state.ExecSuccess,
	}))

	proposal := NewEngine(Defaults()...).Evaluate(st)
	require.NotNil(t, proposal)
	assert.Equal(t, NameCompletionPolicy, proposal.PolicyName)
}

func TestCompletionPolicyOnArtifactCount(t *testing.T) {
	st := newState("collect 2 values from the files")
	saveArtifact(t, st.Framework, "VAL_1", "10")
	saveArtifact(t, st.Framework, "VAL_2", "20")

	proposal := NewEngine(Defaults()...).Evaluate(st)
	require.NotNil(t, proposal)
	assert.Equal(t, NameCompletionPolicy, proposal.PolicyName)
}

func TestAutoHaltOnSimpleExtraction(t *testing.T) {
	st := newState("extract the admin password from config.py")
	saveArtifact(t, st.Framework, "ADMIN_PASSWORD", "hunter2")

	proposal := NewEngine(Defaults()...).Evaluate(st)
	require.NotNil(t, proposal)
	assert.Equal(t, "halt_and_ask", proposal.ToolCall)
	assert.Contains(t, []string{NameAutoHalt, NameCompletionPolicy}, proposal.PolicyName)
}

func TestAntiLoopGuardSkipsRejectedPolicy(t *testing.T) {
	st := newState("read the data")
	st.Framework.LastFeedback = fmt.Sprintf("[%s] REJECTED: not relevant. CRITICAL ERROR persists.", NameCriticalErrorHalt)

	proposal := NewEngine(Defaults()...).Evaluate(st)
	assert.Nil(t, proposal)
}

func TestDisabledPolicyIsSkipped(t *testing.T) {
	st := newState("read the data")
	st.Framework.LastFeedback = "CRITICAL ERROR: disk gone"
	st.Framework.ActivePolicies = []string{NameCompletionPolicy}

	assert.Nil(t, NewEngine(Defaults()...).Evaluate(st))
}

func TestHigherPriorityPreempts(t *testing.T) {
	// Both StagnationBreaker and CriticalErrorHalt are eligible; the
	// higher priority must win.
	st := newState("process the files")
	recordRejects(t, st.Framework, "save_artifact", 4)
	st.Framework.LastFeedback = "CRITICAL ERROR: something broke"

	proposal := NewEngine(Defaults()...).Evaluate(st)
	require.NotNil(t, proposal)
	assert.Equal(t, NameStagnationBreaker, proposal.PolicyName)
}

func TestEngineOrderIsPriorityDescending(t *testing.T) {
	engine := NewEngine(Defaults()...)
	assert.Equal(t, []string{
		NameStagnationBreaker,
		NameProgressLock,
		NameL1ViolationHandler,
		NameCriticalErrorHalt,
		NameCompletionPolicy,
		NameAutoHalt,
	}, engine.Names())
}
