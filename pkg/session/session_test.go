package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B-A-M-N/amnesic/pkg/config"
	"github.com/B-A-M-N/amnesic/pkg/llms"
	"github.com/B-A-M-N/amnesic/pkg/paging"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/sidecar"
	"github.com/B-A-M-N/amnesic/pkg/state"
	"github.com/B-A-M-N/amnesic/pkg/tokenizer"
)

func baseConfig(dir, mission string) config.SessionConfig {
	return config.SessionConfig{
		Mission:          mission,
		RootDirs:         []string{dir},
		L1CapacityTokens: 1500,
		RecursionLimit:   20,
	}
}

func scriptedSession(t *testing.T, cfg config.SessionConfig, side *sidecar.Sidecar, replies ...string) (*Session, *llms.LocalDriver) {
	t.Helper()
	driver := llms.NewLocalDriver(config.DriverConfig{})
	driver.QueueReplies(replies...)

	s, err := New(cfg, driver, side, WithCounter(&tokenizer.Counter{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, driver
}

func proposalJSON(thought, tool, target string) string {
	raw, _ := json.Marshal(map[string]string{
		"thought_process": thought,
		"tool_call":       tool,
		"target":          target,
	})
	return string(raw)
}

func writeWorkspaceFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestIslandHop(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "a.txt", "val_x = 42")
	writeWorkspaceFile(t, dir, "b.txt", "val_y = 58")

	cfg := baseConfig(dir, "Sum val_x and val_y from the workspace files.")
	cfg.EvictionStrategy = config.EvictOnSave

	s, _ := scriptedSession(t, cfg, nil,
		proposalJSON("Read the first value.", "stage_context", "a.txt"),
		proposalJSON("val_x = 42 is visible in L1.", "save_artifact", "VAL_X: 42"),
		proposalJSON("Read the second value.", "stage_context", "b.txt"),
		proposalJSON("val_y = 58 is visible in L1.", "save_artifact", "VAL_Y: 58"),
		proposalJSON("Both values are in the backpack, summing.", "calculate", "SUM_BACKPACK"),
	)

	result, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReasonHalt, result.Reason)
	assert.Contains(t, result.FinalMessage, "100")
	assert.False(t, result.KernelPanic)

	total, ok := s.State().Artifact("TOTAL")
	require.True(t, ok)
	assert.Contains(t, total.Summary, "100")

	// Both files entered L1 and were released before the halt.
	var staged, saved int
	for _, rec := range s.State().History {
		if rec.ToolCall == "stage_context" && rec.ExecutionResult == state.ExecSuccess {
			staged++
		}
		if rec.ToolCall == "save_artifact" && rec.ExecutionResult == state.ExecSuccess {
			saved++
		}
	}
	assert.Equal(t, 2, staged)
	assert.Equal(t, 2, saved)
	assert.False(t, s.Pager().InL1("FILE:a.txt"))
	assert.False(t, s.Pager().InL1("FILE:b.txt"))
}

func TestStrictModeHoardingRefusal(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "a.py", "x = 1\n")
	writeWorkspaceFile(t, dir, "b.py", "y = 2\n")

	cfg := baseConfig(dir, "Review the code in the workspace.")

	s, _ := scriptedSession(t, cfg, nil,
		proposalJSON("Start with a.py.", "stage_context", "a.py"),
		proposalJSON("Staging b.py without unstaging a.py to see both.", "stage_context", "b.py"),
		proposalJSON("Releasing a.py first.", "unstage_context", "a.py"),
		proposalJSON("Now b.py alone.", "stage_context", "b.py"),
		proposalJSON("Review done.", "halt_and_ask", "Both files reviewed."),
	)

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonHalt, result.Reason)

	history := s.State().History
	require.Len(t, history, 5)
	assert.Equal(t, string(protocol.VerdictReject), history[1].Verdict)
	assert.Equal(t, state.ExecNotExecuted, history[1].ExecutionResult)
	assert.Equal(t, string(protocol.VerdictPass), history[3].Verdict)
	assert.True(t, s.Pager().InL1("FILE:b.py"))
	assert.False(t, s.Pager().InL1("FILE:a.py"))
}

func TestRejectionFeedbackFormat(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "a.py", "x = 1\n")
	writeWorkspaceFile(t, dir, "b.py", "y = 2\n")

	cfg := baseConfig(dir, "Review the code in the workspace.")
	cfg.RecursionLimit = 2

	s, _ := scriptedSession(t, cfg, nil,
		proposalJSON("Start with a.py.", "stage_context", "a.py"),
		proposalJSON("Keep both files staged, without unstaging.", "stage_context", "b.py"),
	)

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(s.State().LastFeedback, "[Gatekeeper] REJECTED:"),
		"got feedback %q", s.State().LastFeedback)
	assert.Contains(t, s.State().LastFeedback, "One-File Limit")
}

func TestSnapshotRestore(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir, "Keep the logic artifact safe.")
	s, _ := scriptedSession(t, cfg, nil)

	require.NoError(t, s.State().SaveArtifact(&state.Artifact{
		Identifier: "LOGIC", Type: state.ArtifactResult, Summary: "1234", Status: state.StatusCommitted,
	}))
	s.Pager().RequestAccess("FILE:logic.txt", "logic body", paging.DefaultPriority)
	s.Snapshot("clean")

	require.NoError(t, s.State().SaveArtifact(&state.Artifact{
		Identifier: "LOGIC", Type: state.ArtifactResult, Summary: "9999", Status: state.StatusCommitted,
	}))
	s.Pager().Remove("FILE:logic.txt")
	require.NoError(t, s.State().RecordDecision(state.DecisionRecord{
		Turn: 1, ToolCall: "save_artifact", Target: "LOGIC: 9999", Verdict: "PASS", ExecutionResult: state.ExecSuccess,
	}))

	require.NoError(t, s.Restore("clean"))

	logic, ok := s.State().Artifact("LOGIC")
	require.True(t, ok)
	assert.Equal(t, "1234", logic.Summary)
	assert.Empty(t, s.State().History)
	assert.Equal(t, "RESTORED: clean", s.State().Hypothesis)
	assert.True(t, s.Pager().InL1("FILE:logic.txt"))
	assert.True(t, s.Pager().InL1("SYS:mission"))
}

func TestRestoreUnknownLabel(t *testing.T) {
	dir := t.TempDir()
	s, _ := scriptedSession(t, baseConfig(dir, "Anything."), nil)

	err := s.Restore("missing")

	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	dir := t.TempDir()
	s, _ := scriptedSession(t, baseConfig(dir, "Anything."), nil)

	require.NoError(t, s.State().SaveArtifact(&state.Artifact{
		Identifier: "KEY", Type: state.ArtifactResult, Summary: "original", Status: state.StatusCommitted,
	}))
	s.Snapshot("point")

	// Mutating the live artifact must not leak into the bucket.
	a, _ := s.State().Artifact("KEY")
	a.Summary = "mutated"

	require.NoError(t, s.Restore("point"))
	restored, _ := s.State().Artifact("KEY")
	assert.Equal(t, "original", restored.Summary)
}

func TestSidecarHandoff(t *testing.T) {
	cacheDir := t.TempDir()
	side, err := sidecar.New(config.SidecarConfig{CacheDir: cacheDir}, nil)
	require.NoError(t, err)
	defer side.Close()

	dirA := t.TempDir()
	cfgA := baseConfig(dirA, "Record the service status ONLINE as an artifact.")
	a, _ := scriptedSession(t, cfgA, side,
		proposalJSON("The mission names the status ONLINE.", "save_artifact", "STATUS: ONLINE"),
		proposalJSON("Recorded.", "halt_and_ask", "Status recorded."),
	)
	_, err = a.Run(context.Background())
	require.NoError(t, err)

	dirB := t.TempDir()
	cfgB := baseConfig(dirB, "Report on the recorded status.")
	b, _ := scriptedSession(t, cfgB, side,
		proposalJSON("The status is already known.", "halt_and_ask", "Status is known."),
	)
	_, err = b.Run(context.Background())
	require.NoError(t, err)

	status, ok := b.State().Artifact("STATUS")
	require.True(t, ok, "sidecar knowledge must merge before the first proposer turn")
	assert.Equal(t, "ONLINE", status.Summary)
}

func TestRecursionLimit(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir, "Loop forever politely.")
	cfg.RecursionLimit = 3

	s, _ := scriptedSession(t, cfg, nil,
		proposalJSON("Checking memory.", "query_sidecar", "first"),
		proposalJSON("Checking memory.", "query_sidecar", "second"),
		proposalJSON("Checking memory.", "query_sidecar", "third"),
	)

	result, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReasonRecursionLimit, result.Reason)
	assert.Equal(t, 3, result.Turns)
	assert.Len(t, s.State().History, 3)
}

func TestExternalCancellation(t *testing.T) {
	dir := t.TempDir()
	s, _ := scriptedSession(t, baseConfig(dir, "Never gets to start."), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, ReasonCancelled, result.Reason)
	require.Len(t, s.State().History, 1)
	assert.Equal(t, "halt_and_ask", s.State().History[0].ToolCall)
	assert.Equal(t, string(protocol.VerdictHalt), s.State().History[0].Verdict)
}

func TestFailedVerificationKeepsLooping(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "real.txt", "content")

	cfg := baseConfig(dir, "Read what exists.")
	s, _ := scriptedSession(t, cfg, nil,
		proposalJSON("Checking a wrong claim.", "verify_step", "2 + 2 = 5"),
		proposalJSON("Done.", "halt_and_ask", "Gave up."),
	)

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonHalt, result.Reason)

	history := s.State().History
	require.Len(t, history, 2)
	// verify_step failing its check is still a successful execution.
	assert.Equal(t, state.ExecSuccess, history[0].ExecutionResult)
	assert.Contains(t, s.State().History[0].Target, "2 + 2 = 5")
}

func TestCheckpointerPersistsTurns(t *testing.T) {
	dir := t.TempDir()
	cpDir := t.TempDir()
	cp, err := NewFileCheckpointer(cpDir)
	require.NoError(t, err)

	driver := llms.NewLocalDriver(config.DriverConfig{})
	driver.QueueReplies(
		proposalJSON("Nothing to do.", "halt_and_ask", "Idle mission."),
	)
	s, err := New(baseConfig(dir, "Idle around."), driver, nil,
		WithCounter(&tokenizer.Counter{}), WithCheckpointer(cp))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Run(context.Background())
	require.NoError(t, err)

	loaded, err := cp.Load(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, s.ID(), loaded.SessionID)
	assert.Equal(t, 1, loaded.Turn)
	require.Len(t, loaded.State.History, 1)

	var hasMission bool
	for _, page := range loaded.Pager.L1 {
		if page.ID == "SYS:mission" {
			hasMission = true
		}
	}
	assert.True(t, hasMission)
}

func TestCheckpointLoadMissing(t *testing.T) {
	cp, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	_, err = cp.Load(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNotFound))
}

func TestEventStreamOrder(t *testing.T) {
	dir := t.TempDir()
	var kinds []EventKind
	driver := llms.NewLocalDriver(config.DriverConfig{})
	driver.QueueReplies(proposalJSON("Done.", "halt_and_ask", "Bye."))

	s, err := New(baseConfig(dir, "One turn only."), driver, nil,
		WithCounter(&tokenizer.Counter{}),
		WithEvents(func(ev Event) { kinds = append(kinds, ev.Kind) }))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []EventKind{EventTurn, EventProposal, EventVerdict, EventExecution, EventEnd}, kinds)
}

func TestPhysicalGCDropsDeletedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkspaceFile(t, dir, "doomed.txt", "short lived")

	cfg := baseConfig(dir, "Watch files come and go.")
	s, _ := scriptedSession(t, cfg, nil,
		proposalJSON("Stage the file.", "stage_context", "doomed.txt"),
		proposalJSON("Filler turn.", "query_sidecar", "anything"),
		proposalJSON("Done.", "halt_and_ask", "Finished."),
	)

	removed := false
	s.onEvent = func(ev Event) {
		if !removed && ev.Kind == EventExecution && ev.Proposal.ToolCall == "stage_context" {
			removed = true
			require.NoError(t, os.Remove(path))
			// Give the workspace watcher a moment to flag the change.
			time.Sleep(200 * time.Millisecond)
		}
	}

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, s.Pager().InL1("FILE:doomed.txt"))
	assert.False(t, s.Pager().InL2("FILE:doomed.txt"))
	assert.True(t, s.Pager().InL1("SYS:mission"))
}

func TestElasticCapacityResize(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir, "Tiny window mission.")
	cfg.ElasticMode = true
	cfg.L1CapacityTokens = 1000
	cfg.MaxTotalContext = 1200
	cfg.ContextFloors = config.ContextFloors{Reasoning: 100, Output: 100, Overhead: 50}

	s, _ := scriptedSession(t, cfg, nil,
		proposalJSON("Done.", "halt_and_ask", "Bye."),
	)

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, s.Pager().Capacity(), 1000, "capacity must shrink to fit the window")
	assert.Greater(t, s.Pager().Capacity(), 0)
}

func TestKernelPanicSurfacesInResult(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir, "Defeat the healer.")
	cfg.Driver.MaxRetries = 1

	s, _ := scriptedSession(t, cfg, nil,
		"complete gibberish", "more gibberish", "still gibberish", "gibberish forever",
	)

	result, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.KernelPanic)
	assert.Contains(t, result.FinalMessage, "KERNEL PANIC")
}
