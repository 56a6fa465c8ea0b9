package gatekeeper

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/state"
)

// topicEmbed gives full relevance to texts sharing the "weight" topic and
// none otherwise, making layer 4 deterministic.
func topicEmbed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "weight") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func newGatekeeper(profile protocol.AuditProfile) *Gatekeeper {
	return New(profile, nil, topicEmbed)
}

func newState(mission string) *state.AgentState {
	st := &state.AgentState{Framework: state.NewFrameworkState(mission)}
	st.Framework.ElasticMode = true
	st.Turn = bootstrapTurns + 1
	return st
}

func propose(tool, target, thought string) *protocol.Proposal {
	return &protocol.Proposal{ThoughtProcess: thought, ToolCall: tool, Target: target}
}

func TestForbiddenToolRejected(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("read the files")
	st.ForbiddenTools = []string{"write_file"}

	v := g.Evaluate(context.Background(), st, propose("write_file", "out.txt: data", "writing"))
	assert.Equal(t, protocol.VerdictReject, v.Kind)
	assert.Contains(t, v.Rationale, "forbidden")
}

func TestEmptyProposalRejected(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	v := g.Evaluate(context.Background(), newState("m"), &protocol.Proposal{})
	assert.Equal(t, protocol.VerdictReject, v.Kind)
}

func TestPathEscapeRejected(t *testing.T) {
	g := New(protocol.FluidRead(), []string{t.TempDir()}, topicEmbed)
	st := newState("read the files")

	v := g.Evaluate(context.Background(), st, propose("stage_context", "../../etc/passwd", "need it"))
	assert.Equal(t, protocol.VerdictReject, v.Kind)
	assert.Contains(t, v.Rationale, "sandbox")
}

func TestSensitivePathRejected(t *testing.T) {
	g := New(protocol.FluidRead(), []string{t.TempDir()}, topicEmbed)
	st := newState("read the files")
	st.WorkspacePaths = []string{".env"}

	v := g.Evaluate(context.Background(), st, propose("stage_context", ".env", "check secrets"))
	assert.Equal(t, protocol.VerdictReject, v.Kind)
}

func TestIdentifierGrammarRejectsProse(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("extract the weight value")
	st.L1Render = "weight is 42"

	cases := []string{
		"the weight of the backpack: 42",
		"my result!: 42",
	}

	for _, target := range cases {
		v := g.Evaluate(context.Background(), st, propose("save_artifact", target, "saving"))
		assert.Equal(t, protocol.VerdictReject, v.Kind, "target %q", target)
		assert.Contains(t, v.Rationale, "semantic pollution")
	}
}

func TestValidIdentifierAccepted(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("extract the weight value")
	st.Turn = 1 // bootstrap window
	st.L1Render = "WEIGHT_1 = 42"

	v := g.Evaluate(context.Background(), st, propose("save_artifact", "WEIGHT_1: 42", "found it"))
	assert.Equal(t, protocol.VerdictPass, v.Kind)
}

func TestExactRepeatRejected(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("sum the weight values")
	st.L1Render = "value 42"
	require.NoError(t, st.Framework.RecordDecision(state.DecisionRecord{
		Turn: 1, ToolCall: "save_artifact", Target: "VAL_1: 42", Verdict: "PASS",
	}))

	v := g.Evaluate(context.Background(), st, propose("save_artifact", "VAL_1: 42", "again"))
	assert.Equal(t, protocol.VerdictReject, v.Kind)
	assert.Contains(t, v.Rationale, "stagnation")
}

func TestStageAlreadyResidentIsIdempotentPass(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("read part_1.txt")
	st.WorkspacePaths = []string{"part_1.txt"}
	st.L1IDs = []string{"FILE:part_1.txt"}

	v := g.Evaluate(context.Background(), st, propose("stage_context", "part_1.txt", "re-reading"))
	assert.Equal(t, protocol.VerdictPass, v.Kind)
	assert.Contains(t, v.Rationale, "idempotent")
}

func TestStageUnknownPathRejected(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("read the files")
	st.WorkspacePaths = []string{"part_1.txt"}

	v := g.Evaluate(context.Background(), st, propose("stage_context", "ghost.txt", "reading"))
	assert.Equal(t, protocol.VerdictReject, v.Kind)
	assert.Contains(t, v.Rationale, "not in the workspace")
}

func TestUnstageAbsentIsIdempotentPass(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("read the files")

	v := g.Evaluate(context.Background(), st, propose("unstage_context", "part_1.txt", "cleanup"))
	assert.Equal(t, protocol.VerdictPass, v.Kind)
	assert.Contains(t, v.Rationale, "idempotent")
}

func TestStrictModeHoardingRejected(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("process the parts one at a time")
	st.Framework.ElasticMode = false
	st.WorkspacePaths = []string{"part_1.txt", "part_2.txt"}
	st.L1IDs = []string{"FILE:part_1.txt"}

	v := g.Evaluate(context.Background(), st,
		propose("stage_context", "part_2.txt", "I will stage part_2 without unstaging part_1 to compare"))
	assert.Equal(t, protocol.VerdictReject, v.Kind)
	assert.Contains(t, v.Rationale, "One-File Limit")
}

func TestElasticModeAllowsMultipleStages(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("process the parts")
	st.WorkspacePaths = []string{"part_1.txt", "part_2.txt"}
	st.L1IDs = []string{"FILE:part_1.txt"}

	v := g.Evaluate(context.Background(), st,
		propose("stage_context", "part_2.txt", "staging part_2 and keep both files resident"))
	assert.Equal(t, protocol.VerdictPass, v.Kind)
}

func TestDuplicateArtifactSoftReject(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("collect the weight values")
	st.L1Render = "VAL_1 = 42"
	require.NoError(t, st.Framework.SaveArtifact(&state.Artifact{
		Identifier: "VAL_1", Type: state.ArtifactResult, Summary: "42", Status: state.StatusCommitted,
	}))

	v := g.Evaluate(context.Background(), st, propose("save_artifact", "VAL_1: 42", "saving the weight"))
	assert.Equal(t, protocol.VerdictReject, v.Kind)
	assert.Contains(t, v.Rationale, "already up-to-date")

	// A differing value is allowed through.
	st.L1Render = "VAL_1 = 43"
	v = g.Evaluate(context.Background(), st, propose("save_artifact", "VAL_1: 43", "updated weight value"))
	assert.Equal(t, protocol.VerdictPass, v.Kind)
}

func TestPrematureHaltRejected(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("extract all 3 secrets")
	require.NoError(t, st.Framework.SaveArtifact(&state.Artifact{
		Identifier: "SECRET_1", Type: state.ArtifactResult, Summary: "a", Status: state.StatusCommitted,
	}))

	v := g.Evaluate(context.Background(), st, propose("halt_and_ask", "done, found one secret", "finishing"))
	assert.Equal(t, protocol.VerdictReject, v.Kind)
	assert.Contains(t, v.Rationale, "premature halt")
}

func TestGroundingRejectsHallucination(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("find the weight limit")
	st.L1Render = "=== FILE:config.py ===\nmax_weight = 100"

	v := g.Evaluate(context.Background(), st,
		propose("save_artifact", "WEIGHT_LIMIT: 250", "saving the weight limit"))
	assert.Equal(t, protocol.VerdictReject, v.Kind)
	assert.Contains(t, v.Rationale, "hallucination")
}

func TestGroundingToleratesPunctuation(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("find the database host weight")
	st.L1Render = `host = "db.internal.example.com",`

	v := g.Evaluate(context.Background(), st,
		propose("save_artifact", "DB_HOST: db.internal.example.com", "the weight of evidence says this is the host"))
	assert.Equal(t, protocol.VerdictPass, v.Kind)
}

func TestGroundingTransitiveThroughArtifacts(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("consolidate the weight facts")
	require.NoError(t, st.Framework.SaveArtifact(&state.Artifact{
		Identifier: "RAW", Type: state.ArtifactTextContent, Summary: "threshold is 77 kg", Status: state.StatusCommitted,
	}))

	v := g.Evaluate(context.Background(), st,
		propose("save_artifact", "THRESHOLD: threshold is 77 kg", "copying the weight threshold"))
	assert.Equal(t, protocol.VerdictPass, v.Kind)
}

func TestGroundingDerivedNumeric(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("sum the weight values")
	require.NoError(t, st.Framework.RecordDecision(state.DecisionRecord{
		Turn: 1, ToolCall: "calculate", Target: "SUM_BACKPACK", Verdict: "PASS",
		ExecutionResult: state.ExecSuccess,
	}))

	v := g.Evaluate(context.Background(), st,
		propose("save_artifact", "TOTAL_WEIGHT: 60", "the calculator produced the weight total"))
	assert.Equal(t, protocol.VerdictPass, v.Kind)
}

func TestSanitizationModeAllowsRedactedValues(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("sanitize the weight report")
	st.Framework.SanitizationMode = true
	st.L1Render = "password = hunter2"

	v := g.Evaluate(context.Background(), st,
		propose("save_artifact", "PASSWORD: [REDACTED]", "masking the secret per the weight report mission"))
	assert.Equal(t, protocol.VerdictPass, v.Kind)

	st.Framework.SanitizationMode = false
	v = g.Evaluate(context.Background(), st,
		propose("save_artifact", "PASSWORD2: [REDACTED]", "masking the weight secret"))
	assert.Equal(t, protocol.VerdictReject, v.Kind)
}

func TestRelevanceRejectsOffMission(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("calculate the total weight of the backpack")
	st.L1Render = "poem text about clouds"

	v := g.Evaluate(context.Background(), st,
		propose("write_file", "poem.txt: clouds drift by", "composing a poem"))
	assert.Equal(t, protocol.VerdictReject, v.Kind)
	assert.Contains(t, v.Rationale, "relevance")
}

func TestRelevanceExemptTools(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("calculate the total weight")
	st.WorkspacePaths = []string{"part_1.txt"}

	// Off-mission wording, but staging is exempt from relevance scoring.
	v := g.Evaluate(context.Background(), st, propose("stage_context", "part_1.txt", "unrelated musings"))
	assert.Equal(t, protocol.VerdictPass, v.Kind)
}

func TestBootstrapWindowPasses(t *testing.T) {
	g := newGatekeeper(protocol.FluidRead())
	st := newState("calculate the total weight")
	st.Turn = 2
	st.L1Render = "out.txt"

	v := g.Evaluate(context.Background(), st,
		propose("write_file", "out.txt: starting notes", "unrelated to anything"))
	assert.Equal(t, protocol.VerdictPass, v.Kind)
	assert.Contains(t, v.Rationale, "bootstrap")
}

func TestSplitArtifactTarget(t *testing.T) {
	cases := []struct {
		target, key, value string
	}{
		{"VAL_1: 42", "VAL_1", "42"},
		{"VAL_1=42", "VAL_1", "42"},
		{"PINNED_L1:VAL_1: 42", "VAL_1", "42"},
		{"DB_HOST: db:5432", "DB_HOST", "db:5432"},
		{"BARE", "BARE", ""},
	}
	for _, tc := range cases {
		key, value := state.SplitArtifactTarget(tc.target)
		assert.Equal(t, tc.key, key, "target %q", tc.target)
		assert.Equal(t, tc.value, value, "target %q", tc.target)
	}
}
