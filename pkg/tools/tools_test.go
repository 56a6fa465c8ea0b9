package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B-A-M-N/amnesic/pkg/config"
	"github.com/B-A-M-N/amnesic/pkg/gatekeeper"
	"github.com/B-A-M-N/amnesic/pkg/llms"
	"github.com/B-A-M-N/amnesic/pkg/paging"
	"github.com/B-A-M-N/amnesic/pkg/policy"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/state"
	"github.com/B-A-M-N/amnesic/pkg/tokenizer"
	"github.com/B-A-M-N/amnesic/pkg/workspace"
)

type toolEnv struct {
	rt     *Runtime
	reg    *Registry
	dir    string
	driver *llms.LocalDriver
}

func newEnv(t *testing.T, capacity int) *toolEnv {
	t.Helper()
	dir := t.TempDir()
	driver := llms.NewLocalDriver(config.DriverConfig{})

	rt := &Runtime{
		Pager:      paging.NewPager(capacity, &tokenizer.Counter{}, nil),
		Scanner:    workspace.NewFSScanner([]string{dir}),
		FS:         workspace.NewShadowFS(false),
		Roots:      []string{dir},
		State:      state.NewFrameworkState("Collect the weights and sum them"),
		Driver:     driver,
		Gatekeeper: gatekeeper.New(protocol.FluidRead(), []string{dir}, nil),
	}
	rt.Comparator = paging.NewComparator(rt.Pager)

	return &toolEnv{rt: rt, reg: DefaultRegistry(), dir: dir, driver: driver}
}

func (e *toolEnv) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (e *toolEnv) run(t *testing.T, tool, target string) string {
	t.Helper()
	out, err := e.reg.Execute(context.Background(), e.rt, tool, target)
	require.NoError(t, err)
	return out
}

func saveValue(t *testing.T, fw *state.FrameworkState, id, value string) {
	t.Helper()
	require.NoError(t, fw.SaveArtifact(&state.Artifact{
		Identifier: id,
		Type:       state.ArtifactResult,
		Summary:    value,
		Status:     state.StatusCommitted,
	}))
}

func TestStageContextReadsFile(t *testing.T) {
	env := newEnv(t, 4096)
	env.write(t, "notes.txt", "weight: 10")

	out := env.run(t, "stage_context", "notes.txt")

	assert.Equal(t, "Staged FILE:notes.txt into L1.", out)
	assert.True(t, env.rt.Pager.InL1("FILE:notes.txt"))
	assert.Contains(t, env.rt.Pager.RenderL1(), "weight: 10")
}

func TestStageContextMissingFileIsCritical(t *testing.T) {
	env := newEnv(t, 4096)

	_, err := env.reg.Execute(context.Background(), env.rt, "stage_context", "ghost.txt")

	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))
	assert.Contains(t, err.Error(), state.FeedbackCriticalError)
	assert.Contains(t, err.Error(), "'ghost.txt' NOT FOUND")
}

func TestStageContextSymbolQuery(t *testing.T) {
	env := newEnv(t, 4096)
	env.write(t, "lib.py", "def load(path):\n    return path\n\ndef save(path):\n    return None\n")

	env.run(t, "stage_context", "lib.py?query=load")

	content, ok := env.rt.Pager.PageContent("FILE:lib.py")
	require.True(t, ok)
	assert.Contains(t, content, "def load")
	assert.NotContains(t, content, "def save")
}

func TestStageContextViolationNamesBlocker(t *testing.T) {
	env := newEnv(t, 30)
	env.write(t, "a.txt", "alpha")
	env.write(t, "big.txt", strings.Repeat("x", 300))

	env.run(t, "stage_context", "a.txt")
	_, err := env.reg.Execute(context.Background(), env.rt, "stage_context", "big.txt")

	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindCapacityExceeded))
	assert.Contains(t, err.Error(), state.FeedbackL1Violation)
	assert.True(t, env.rt.Pager.InL1("FILE:a.txt"), "refused admit must not disturb L1")
}

func TestUnstageAllSparesSystemPages(t *testing.T) {
	env := newEnv(t, 4096)
	require.NoError(t, env.rt.Pager.Pin("SYS:mission", "the mission"))
	env.write(t, "a.txt", "alpha")
	env.write(t, "b.txt", "beta")
	env.run(t, "stage_context", "a.txt, b.txt")

	out := env.run(t, "unstage_context", "ALL")

	assert.Equal(t, "Unstaged 2 pages to L2.", out)
	assert.True(t, env.rt.Pager.InL1("SYS:mission"))
	assert.True(t, env.rt.Pager.InL2("FILE:a.txt"))
	assert.True(t, env.rt.Pager.InL2("FILE:b.txt"))
}

func TestSaveArtifactThenStage(t *testing.T) {
	env := newEnv(t, 4096)

	env.run(t, "save_artifact", "WEIGHT_1: 10")
	out := env.run(t, "stage_artifact", "WEIGHT_1")

	assert.Equal(t, "Staged ARTIFACT:WEIGHT_1 into L1.", out)
	a, ok := env.rt.State.Artifact("WEIGHT_1")
	require.True(t, ok)
	assert.Equal(t, "10", a.Summary)
	assert.Equal(t, state.ArtifactResult, a.Type)
}

func TestSaveArtifactPinnedEntersL1(t *testing.T) {
	env := newEnv(t, 4096)

	env.run(t, "save_artifact", "PINNED_L1:API_KEY_NAME: the key lives in vault")

	assert.True(t, env.rt.Pager.InL1("ARTIFACT:API_KEY_NAME"))
	a, ok := env.rt.State.Artifact("API_KEY_NAME")
	require.True(t, ok)
	assert.True(t, a.Pinned)
}

func TestSaveArtifactOnSaveEviction(t *testing.T) {
	env := newEnv(t, 4096)
	env.rt.EvictionStrategy = config.EvictOnSave
	env.write(t, "data.txt", "weight: 10")
	env.run(t, "stage_context", "data.txt")

	env.run(t, "save_artifact", "WEIGHT_1: 10")

	assert.False(t, env.rt.Pager.InL1("FILE:data.txt"), "on_save releases source files")
	assert.True(t, env.rt.Pager.InL2("FILE:data.txt"))
}

func TestDeleteArtifactRemovesProjection(t *testing.T) {
	env := newEnv(t, 4096)
	env.run(t, "save_artifact", "WEIGHT_1: 10")
	env.run(t, "stage_artifact", "WEIGHT_1")

	env.run(t, "delete_artifact", "WEIGHT_1")

	_, ok := env.rt.State.Artifact("WEIGHT_1")
	assert.False(t, ok)
	assert.False(t, env.rt.Pager.InL1("ARTIFACT:WEIGHT_1"))
}

func TestQuerySidecarDisabled(t *testing.T) {
	env := newEnv(t, 4096)

	out := env.run(t, "query_sidecar", "anything")

	assert.Equal(t, "Sidecar is disabled for this session.", out)
}

func TestCalculateSumBackpack(t *testing.T) {
	env := newEnv(t, 4096)
	saveValue(t, env.rt.State, "WEIGHT_1", "10")
	saveValue(t, env.rt.State, "WEIGHT_2", "20")
	saveValue(t, env.rt.State, "WEIGHT_3", "30")
	saveValue(t, env.rt.State, "NOTE", "not a number")

	out := env.run(t, "calculate", "SUM_BACKPACK")

	assert.Equal(t, "Final (ADD): 60", out)
	total, ok := env.rt.State.Artifact("TOTAL")
	require.True(t, ok)
	assert.Equal(t, "Final (ADD): 60", total.Summary)
	assert.True(t, total.IsMeta())
}

func TestCalculateSumIgnoresMetaArtifacts(t *testing.T) {
	env := newEnv(t, 4096)
	saveValue(t, env.rt.State, "WEIGHT_1", "10")
	saveValue(t, env.rt.State, "TOTAL", "999")

	out := env.run(t, "calculate", "SUM_BACKPACK")

	assert.Equal(t, "Final (ADD): 10", out)
}

func TestCalculateForms(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"10 + 20", "Final (ADD): 30"},
		{"MUL 6 7", "Final (MUL): 42"},
		{"SUB 10 4 1", "Final (SUB): 5"},
		{"DIV 7 2", "Final (DIV): 3.5"},
	}
	for _, tc := range tests {
		t.Run(tc.target, func(t *testing.T) {
			env := newEnv(t, 4096)
			assert.Equal(t, tc.want, env.run(t, "calculate", tc.target))
		})
	}
}

func TestCalculateOperandsResolveArtifacts(t *testing.T) {
	env := newEnv(t, 4096)
	saveValue(t, env.rt.State, "WEIGHT_1", "10")

	out := env.run(t, "calculate", "ADD WEIGHT_1 5")

	assert.Equal(t, "Final (ADD): 15", out)
}

func TestCalculateDivisionByZero(t *testing.T) {
	env := newEnv(t, 4096)

	_, err := env.reg.Execute(context.Background(), env.rt, "calculate", "DIV 1 0")

	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindBadInput))
}

func TestCalculateJoin(t *testing.T) {
	env := newEnv(t, 4096)
	saveValue(t, env.rt.State, "PART_1", "alpha")
	saveValue(t, env.rt.State, "PART_2", "beta")

	out := env.run(t, "calculate", "JOIN")

	assert.Equal(t, "Final (JOIN): PART_1: alpha | PART_2: beta", out)
}

func TestVerifyStepArithmetic(t *testing.T) {
	env := newEnv(t, 4096)

	out := env.run(t, "verify_step", "10 + 20 = 30")

	assert.Equal(t, "VERIFIED: 10 + 20 = 30", out)
	v, ok := env.rt.State.Artifact("VERIFICATION")
	require.True(t, ok)
	assert.Equal(t, "10 + 20 = 30 -> VERIFIED", v.Summary)
	assert.Equal(t, state.StatusVerifiedInvariant, v.Status)
}

func TestVerifyStepArithmeticFailure(t *testing.T) {
	env := newEnv(t, 4096)

	out := env.run(t, "verify_step", "10 + 20 = 31")

	assert.Contains(t, out, "VERIFICATION FAILED")
	_, ok := env.rt.State.Artifact("VERIFICATION")
	assert.False(t, ok)
}

func TestVerifyStepPresence(t *testing.T) {
	env := newEnv(t, 4096)
	require.NoError(t, env.rt.Pager.Pin("SYS:briefing", "The launch window opens at dawn"))

	out := env.run(t, "verify_step", "launch window opens at dawn")

	assert.Equal(t, "VERIFIED: launch window opens at dawn", out)
}

func TestVerifyStepPresenceFailure(t *testing.T) {
	env := newEnv(t, 4096)

	out := env.run(t, "verify_step", "the moon is made of cheese")

	assert.Contains(t, out, "VERIFICATION FAILED")
}

func TestWriteFileSandboxCapturesWrite(t *testing.T) {
	env := newEnv(t, 4096)
	env.rt.FS = workspace.NewShadowFS(true)

	out := env.run(t, "write_file", "report.txt: all clear")

	assert.Equal(t, "Wrote 9 bytes to report.txt.", out)
	_, err := os.Stat(filepath.Join(env.dir, "report.txt"))
	assert.True(t, os.IsNotExist(err), "sandboxed writes never reach disk")

	content, err := env.rt.FS.ReadFile(filepath.Join(env.dir, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "all clear", content)
}

func TestWriteFileEscapeRejected(t *testing.T) {
	env := newEnv(t, 4096)

	_, err := env.reg.Execute(context.Background(), env.rt, "write_file", "../outside.txt: nope")

	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindSandboxViolation))
}

func TestEditFileRestagesL1Copy(t *testing.T) {
	env := newEnv(t, 4096)
	env.write(t, "config.py", "DEBUG = False\n")
	env.run(t, "stage_context", "config.py")
	env.driver.QueueReplies("DEBUG = True\n")

	out := env.run(t, "edit_file", "config.py: flip the DEBUG flag")

	assert.Equal(t, "Edited config.py.", out)
	onDisk, err := env.rt.FS.ReadFile(filepath.Join(env.dir, "config.py"))
	require.NoError(t, err)
	assert.Equal(t, "DEBUG = True", strings.TrimSpace(onDisk))

	staged, ok := env.rt.Pager.PageContent("FILE:config.py")
	require.True(t, ok)
	assert.Contains(t, staged, "DEBUG = True")
}

func TestCompareFilesResolvesAndPurges(t *testing.T) {
	env := newEnv(t, 4096)
	env.write(t, "v1.py", "def f():\n    return 1\n")
	env.write(t, "v2.py", "def f():\n    return 2\n")
	env.driver.QueueReplies("def f():\n    return 2\n")

	out := env.run(t, "compare_files", "v1.py, v2.py")

	assert.Equal(t, "Compared v1.py and v2.py; merged result saved as RESOLVED_CODE.", out)
	resolved, ok := env.rt.State.Artifact("RESOLVED_CODE")
	require.True(t, ok)
	assert.Contains(t, resolved.Summary, "return 2")
	assert.Equal(t, state.StatusNeedsReview, resolved.Status)

	for _, id := range env.rt.Pager.L1IDs() {
		assert.False(t, strings.HasPrefix(id, "FILE:"), "overlay must be purged after compare")
	}
}

func TestCompareFilesOverCapacity(t *testing.T) {
	env := newEnv(t, 20)
	env.write(t, "v1.py", strings.Repeat("a", 200))
	env.write(t, "v2.py", strings.Repeat("b", 200))

	_, err := env.reg.Execute(context.Background(), env.rt, "compare_files", "v1.py, v2.py")

	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindCapacityExceeded))
}

func TestSwitchStrategy(t *testing.T) {
	env := newEnv(t, 4096)

	out := env.run(t, "switch_strategy", "breadth-first survey")

	assert.Equal(t, `Strategy switched to "breadth-first survey".`, out)
	assert.Equal(t, "breadth-first survey", env.rt.State.Strategy)
}

func TestSetAuditPolicyPreset(t *testing.T) {
	env := newEnv(t, 4096)

	out := env.run(t, "set_audit_policy", "HIGH_SPEED")

	assert.Contains(t, out, "HIGH_SPEED")
	assert.Equal(t, protocol.ProfileHighSpeed, env.rt.Gatekeeper.Profile().Name)
	assert.Equal(t, protocol.ProfileHighSpeed, env.rt.State.AuditProfile)
}

func TestSetAuditPolicyCustom(t *testing.T) {
	env := newEnv(t, 4096)
	env.rt.CustomProfiles = map[string]protocol.AuditProfile{
		"PARANOID": {Name: "PARANOID", RelevanceThreshold: 0.9},
	}

	env.run(t, "set_audit_policy", "PARANOID")

	assert.Equal(t, "PARANOID", env.rt.Gatekeeper.Profile().Name)
}

func TestSetAuditPolicyUnknownListsProfiles(t *testing.T) {
	env := newEnv(t, 4096)
	env.rt.CustomProfiles = map[string]protocol.AuditProfile{
		"PARANOID": {Name: "PARANOID", RelevanceThreshold: 0.9},
	}

	_, err := env.reg.Execute(context.Background(), env.rt, "set_audit_policy", "BOGUS")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRICT_AUDIT")
	assert.Contains(t, err.Error(), "PARANOID")
}

func TestDisablePolicyMaterializesList(t *testing.T) {
	env := newEnv(t, 4096)

	env.run(t, "disable_policy", policy.NameAutoHalt)

	assert.Len(t, env.rt.State.ActivePolicies, 5)
	assert.False(t, env.rt.State.PolicyEnabled(policy.NameAutoHalt))
	assert.True(t, env.rt.State.PolicyEnabled(policy.NameCompletionPolicy))
}

func TestEnablePolicyRestores(t *testing.T) {
	env := newEnv(t, 4096)
	env.run(t, "disable_policy", policy.NameAutoHalt)

	env.run(t, "enable_policy", policy.NameAutoHalt)

	assert.True(t, env.rt.State.PolicyEnabled(policy.NameAutoHalt))
}

func TestHaltAndAskEchoesMessage(t *testing.T) {
	env := newEnv(t, 4096)

	out := env.run(t, "halt_and_ask", "Mission complete. TOTAL: 60.")

	assert.Equal(t, "Mission complete. TOTAL: 60.", out)
}

func TestRegistryUnknownTool(t *testing.T) {
	env := newEnv(t, 4096)

	_, err := env.reg.Execute(context.Background(), env.rt, "rm_rf", "/")

	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindBadInput))
}
