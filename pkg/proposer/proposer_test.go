package proposer

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B-A-M-N/amnesic/pkg/config"
	"github.com/B-A-M-N/amnesic/pkg/llms"
	"github.com/B-A-M-N/amnesic/pkg/policy"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/state"
)

func newInput(mission string) TurnInput {
	return TurnInput{
		State: &state.AgentState{Framework: state.NewFrameworkState(mission)},
	}
}

func TestHealDirectJSON(t *testing.T) {
	p, err := Heal(`{"thought_process": "reading", "tool_call": "stage_context", "target": "part_1.txt"}`)
	require.NoError(t, err)
	assert.Equal(t, "stage_context", p.ToolCall)
	assert.Equal(t, "part_1.txt", p.Target)
	assert.Equal(t, "reading", p.ThoughtProcess)
}

func TestHealStripsReasoningTags(t *testing.T) {
	raw := "<think>should I read the file? yes.</think>\n" +
		`{"tool_call": "stage_context", "target": "a.py"}`
	p, err := Heal(raw)
	require.NoError(t, err)
	assert.Equal(t, "stage_context", p.ToolCall)
	assert.NotContains(t, p.ThoughtProcess, "should I read")
}

func TestHealCodeFence(t *testing.T) {
	raw := "Here is my decision:\n```json\n{\"tool_call\": \"verify_step\", \"target\": \"10 + 20 = 30\"}\n```"
	p, err := Heal(raw)
	require.NoError(t, err)
	assert.Equal(t, "verify_step", p.ToolCall)
}

func TestHealBalancedBlockInProse(t *testing.T) {
	raw := `I think the best move is {"tool_call": "save_artifact", "target": "VAL_1: 42"} because the value is visible.`
	p, err := Heal(raw)
	require.NoError(t, err)
	assert.Equal(t, "save_artifact", p.ToolCall)
	assert.Equal(t, "VAL_1: 42", p.Target)
}

func TestHealPythonicJSON(t *testing.T) {
	raw := `{'thought_process': 'saving', 'tool_call': 'save_artifact', 'target': 'DONE_FLAG', 'confirmed': True}`
	p, err := Heal(raw)
	require.NoError(t, err)
	assert.Equal(t, "save_artifact", p.ToolCall)
	assert.Equal(t, "DONE_FLAG", p.Target)
}

func TestHealProseKeyValues(t *testing.T) {
	raw := "THOUGHT PROCESS: the report needs writing\nTOOL CALL: write_file\nTARGET: report.txt\nCONTENT: total is 60"
	p, err := Heal(raw)
	require.NoError(t, err)
	assert.Equal(t, "write_file", p.ToolCall)
	assert.Equal(t, "report.txt: total is 60", p.Target)
	assert.Equal(t, "the report needs writing", p.ThoughtProcess)
}

func TestHealCallSyntax(t *testing.T) {
	p, err := Heal(`stage_context("part_2.txt")`)
	require.NoError(t, err)
	assert.Equal(t, "stage_context", p.ToolCall)
	assert.Equal(t, "part_2.txt", p.Target)

	p, err = Heal("unstage_context ALL")
	require.NoError(t, err)
	assert.Equal(t, "unstage_context", p.ToolCall)
	assert.Equal(t, "ALL", p.Target)
}

func TestHealAlternateKeyNames(t *testing.T) {
	p, err := Heal(`{"thought": "go", "tool": "calculate", "target": "SUM_BACKPACK"}`)
	require.NoError(t, err)
	assert.Equal(t, "calculate", p.ToolCall)
	assert.Equal(t, "go", p.ThoughtProcess)
}

func TestHealRejectsGarbage(t *testing.T) {
	_, err := Heal("I am not sure what to do next, sorry.")
	require.Error(t, err)
	assert.Equal(t, protocol.KindModelProtocolFailure, protocol.KindOf(err))
}

func TestPolicyPreemptsModel(t *testing.T) {
	driver := llms.NewLocalDriver(config.DriverConfig{})
	driver.QueueReplies(`{"tool_call": "stage_context", "target": "x.txt"}`)

	prop := New(driver, policy.NewEngine(policy.Defaults()...))
	in := newInput("read the data")
	in.State.Framework.LastFeedback = "CRITICAL ERROR: File 'x.txt' NOT FOUND"

	proposal, err := prop.Propose(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, policy.NameCriticalErrorHalt, proposal.PolicyName)
	assert.Equal(t, "halt_and_ask", proposal.ToolCall)
}

func TestModelDrivesWhenNoPolicyFires(t *testing.T) {
	driver := llms.NewLocalDriver(config.DriverConfig{})
	driver.QueueReplies(`{"thought_process": "start by reading", "tool_call": "stage_context", "target": "part_1.txt"}`)

	prop := New(driver, policy.NewEngine(policy.Defaults()...))
	proposal, err := prop.Propose(context.Background(), newInput("process the parts"))
	require.NoError(t, err)
	assert.Equal(t, "stage_context", proposal.ToolCall)
	assert.Empty(t, proposal.PolicyName)
}

func TestCorrectiveRetryRecovers(t *testing.T) {
	driver := llms.NewLocalDriver(config.DriverConfig{})
	driver.QueueReplies(
		"no idea what you want",
		`{"tool_call": "verify_step", "target": "done"}`,
	)

	prop := New(driver, policy.NewEngine(policy.Defaults()...), WithRetries(2))
	proposal, err := prop.Propose(context.Background(), newInput("verify the result"))
	require.NoError(t, err)
	assert.Equal(t, "verify_step", proposal.ToolCall)
}

func TestKernelPanicAfterExhaustedRetries(t *testing.T) {
	driver := llms.NewLocalDriver(config.DriverConfig{})
	driver.QueueReplies("garbage", "more garbage", "still garbage")

	prop := New(driver, policy.NewEngine(policy.Defaults()...), WithRetries(2))
	proposal, err := prop.Propose(context.Background(), newInput("anything"))
	require.NoError(t, err)
	assert.Equal(t, "halt_and_ask", proposal.ToolCall)
	assert.Contains(t, proposal.Target, "KERNEL PANIC")
}

func TestCompressHistoryKeepsRecentVerbatim(t *testing.T) {
	var history []state.DecisionRecord
	for i := 1; i <= 12; i++ {
		rec := state.DecisionRecord{
			Turn:            i,
			ToolCall:        "stage_context",
			Target:          "f.txt",
			Verdict:         "PASS",
			ExecutionResult: state.ExecSuccess,
		}
		if i%3 == 0 {
			rec.Verdict = "REJECT"
			rec.ExecutionResult = state.ExecNotExecuted
		}
		history = append(history, rec)
	}

	out := compressHistory(history, 5)

	// 7 compressed: turns 1..7 hold successes 1,2,4,5,7 and rejects 3,6.
	assert.Contains(t, out, "MILESTONE: processed 7 initial steps (5 successful, 2 rejected)")
	for turn := 8; turn <= 12; turn++ {
		assert.Contains(t, out, "T"+strconv.Itoa(turn)+" ")
	}
	assert.NotContains(t, out, "T7 ")
}

func TestCompressHistoryShortLogUntouched(t *testing.T) {
	history := []state.DecisionRecord{
		{Turn: 1, ToolCall: "stage_context", Target: "a.txt", Verdict: "PASS", ExecutionResult: state.ExecSuccess},
	}
	out := compressHistory(history, 5)
	assert.NotContains(t, out, "MILESTONE")
	assert.Contains(t, out, "T1 stage_context a.txt")
}

func TestPromptContainsShadowedArtifacts(t *testing.T) {
	driver := llms.NewLocalDriver(config.DriverConfig{})
	prop := New(driver, policy.NewEngine())

	in := newInput("collect values")
	require.NoError(t, in.State.Framework.SaveArtifact(&state.Artifact{
		Identifier: "VAL_1", Type: state.ArtifactResult,
		Summary: "very secret payload", Status: state.StatusCommitted,
	}))

	user := prop.buildUserPrompt(in)
	assert.Contains(t, user, "<VAL_1>")
	// Shadowing: the payload never leaks into the prompt.
	assert.NotContains(t, user, "very secret payload")
}

func TestPromptMasksWorkspace(t *testing.T) {
	driver := llms.NewLocalDriver(config.DriverConfig{})
	prop := New(driver, policy.NewEngine())

	in := newInput("work blind")
	in.Workspace = "part_1.txt"
	in.MaskWorkspace = true

	user := prop.buildUserPrompt(in)
	assert.Contains(t, user, "masked")
	assert.NotContains(t, user, "part_1.txt")
}

func TestSystemPromptModeRules(t *testing.T) {
	driver := llms.NewLocalDriver(config.DriverConfig{})
	prop := New(driver, policy.NewEngine())

	in := newInput("m")
	assert.Contains(t, prop.buildSystemPrompt(in), "strict amnesia")

	in.State.Framework.ElasticMode = true
	assert.Contains(t, prop.buildSystemPrompt(in), "elastic")
}
