// Package session drives one agent run: housekeeping, then the
// proposer → gatekeeper → effector cycle, strictly sequential, until a halt,
// a HALT verdict, the recursion limit or external cancellation. The session
// owns its pager, gatekeeper and proposer; only the sidecar is shared.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/B-A-M-N/amnesic/pkg/config"
	"github.com/B-A-M-N/amnesic/pkg/gatekeeper"
	"github.com/B-A-M-N/amnesic/pkg/llms"
	"github.com/B-A-M-N/amnesic/pkg/observability"
	"github.com/B-A-M-N/amnesic/pkg/paging"
	"github.com/B-A-M-N/amnesic/pkg/policy"
	"github.com/B-A-M-N/amnesic/pkg/proposer"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/sidecar"
	"github.com/B-A-M-N/amnesic/pkg/state"
	"github.com/B-A-M-N/amnesic/pkg/tokenizer"
	"github.com/B-A-M-N/amnesic/pkg/tools"
	"github.com/B-A-M-N/amnesic/pkg/workspace"
)

// Graph node labels, recorded in the agent state and checkpoints.
const (
	NodeProposer   = "proposer"
	NodeGatekeeper = "gatekeeper"
	NodeEffector   = "effector"
	NodeEnd        = "end"
)

// Termination reasons reported in the Result.
const (
	ReasonHalt           = "halt"
	ReasonVerdictHalt    = "verdict_halt"
	ReasonRecursionLimit = "recursion_limit"
	ReasonCancelled      = "cancelled"
)

// Verdict label recorded when the tool itself failed after a PASS.
const verdictFailedExecution = "FAILED_EXECUTION"

// capacityResizeThreshold dampens the elastic feedback loop: capacity only
// moves when the recomputed value differs by more than this many tokens.
const capacityResizeThreshold = 10

// EventKind labels the points of the turn cycle surfaced to collaborators.
type EventKind string

const (
	EventTurn      EventKind = "turn"
	EventProposal  EventKind = "proposal"
	EventVerdict   EventKind = "verdict"
	EventExecution EventKind = "execution"
	EventEnd       EventKind = "end"
)

// Event is one step of the session stream.
type Event struct {
	Kind     EventKind
	Turn     int
	Node     string
	Proposal *protocol.Proposal
	Verdict  *protocol.Verdict
	Message  string
}

// EventFunc receives events synchronously; it must not block.
type EventFunc func(Event)

// Result summarizes a finished run.
type Result struct {
	SessionID    string
	FinalMessage string
	Turns        int
	Reason       string
	KernelPanic  bool
}

// Session owns the full per-run component graph.
type Session struct {
	id  string
	cfg config.SessionConfig

	counter *tokenizer.Counter
	pager   *paging.Pager
	side    *sidecar.Sidecar
	scanner *workspace.FSScanner
	fs      *workspace.ShadowFS
	fw      *state.FrameworkState
	gate    *gatekeeper.Gatekeeper
	prop    *proposer.Proposer
	reg     *tools.Registry
	rt      *tools.Runtime

	checkpointer Checkpointer
	onEvent      EventFunc

	lastProposal *protocol.Proposal
	lastVerdict  *protocol.Verdict
	lastNode     string

	scanInfos  []workspace.FileInfo
	mergedKeys map[string]bool
	snapshots  map[string]snapshotBucket
	initialCap int
}

// Option tunes session construction.
type Option func(*Session)

// WithCounter overrides the token counter, mainly so tests can force the
// length-estimate path.
func WithCounter(c *tokenizer.Counter) Option {
	return func(s *Session) { s.counter = c }
}

// WithEvents installs the event stream callback.
func WithEvents(fn EventFunc) Option {
	return func(s *Session) { s.onEvent = fn }
}

// WithCheckpointer persists agent state at turn boundaries.
func WithCheckpointer(cp Checkpointer) Option {
	return func(s *Session) { s.checkpointer = cp }
}

// New builds a session. The sidecar may be nil; the driver may not.
func New(cfg config.SessionConfig, driver llms.Driver, side *sidecar.Sidecar, opts ...Option) (*Session, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, protocol.WrapError(protocol.KindBadInput, "session config", err)
	}

	s := &Session{
		id:         uuid.NewString(),
		cfg:        cfg,
		side:       side,
		mergedKeys: make(map[string]bool),
		snapshots:  make(map[string]snapshotBucket),
		initialCap: cfg.L1CapacityTokens,
		lastNode:   NodeProposer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.counter == nil {
		s.counter = tokenizer.NewCounter(cfg.Driver.Model)
	}

	s.pager = paging.NewPager(cfg.L1CapacityTokens, s.counter, side)
	if cfg.EvictionStrategy == config.EvictManual {
		s.pager.SetTTLDemotion(false)
	}

	s.fw = state.NewFrameworkState(cfg.Mission)
	s.fw.ElasticMode = cfg.ElasticMode
	s.fw.AuditProfile = cfg.AuditProfile
	s.fw.ActivePolicies = cfg.Policies
	s.fw.SanitizationMode = cfg.SanitizationMode
	s.fw.RequiredArtifacts = cfg.RequiredArtifacts
	s.fw.RequiresWrite = cfg.RequiresWrite
	if cfg.Strategy != "" {
		s.fw.Strategy = cfg.Strategy
	}

	profile, ok := protocol.PresetProfile(cfg.AuditProfile)
	if !ok {
		profile, ok = cfg.CustomProfiles[cfg.AuditProfile]
	}
	if !ok {
		return nil, protocol.NewError(protocol.KindBadInput, cfg.AuditProfile, "unknown audit profile")
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return driver.Embed(ctx, text)
	}
	s.gate = gatekeeper.New(profile, cfg.RootDirs, embed)

	var policies []policy.KernelPolicy
	if cfg.UseDefaults() {
		policies = policy.Defaults()
	}
	engine := policy.NewEngine(policies...)

	s.prop = proposer.New(driver, engine,
		proposer.WithMaxRecentTurns(cfg.MaxRecentTurns),
		proposer.WithRetries(cfg.Driver.MaxRetries))

	s.scanner = workspace.NewFSScanner(cfg.RootDirs)
	s.fs = workspace.NewShadowFS(cfg.Sandbox)
	s.reg = tools.DefaultRegistry()
	s.rt = &tools.Runtime{
		Pager:            s.pager,
		Comparator:       paging.NewComparator(s.pager),
		Side:             side,
		Scanner:          s.scanner,
		FS:               s.fs,
		Roots:            cfg.RootDirs,
		State:            s.fw,
		Driver:           driver,
		Gatekeeper:       s.gate,
		CustomProfiles:   cfg.CustomProfiles,
		EvictionStrategy: cfg.EvictionStrategy,
	}

	if err := s.pager.Pin(paging.NamespaceSys+"mission", cfg.Mission); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session identifier used in checkpoints and metrics.
func (s *Session) ID() string { return s.id }

// State exposes the framework state for composition layers and tests.
func (s *Session) State() *state.FrameworkState { return s.fw }

// Pager exposes the memory manager for composition layers and tests.
func (s *Session) Pager() *paging.Pager { return s.pager }

// Close releases the workspace watcher. The driver and sidecar belong to the
// caller.
func (s *Session) Close() error {
	return s.scanner.Close()
}

// Run executes the graph until a terminal condition. The returned error is
// non-nil only for infrastructure failures; missions that end in a kernel
// panic still return a Result describing it.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	for i := 0; i < s.cfg.RecursionLimit; i++ {
		s.housekeeping(ctx)
		turn := s.pager.CurrentTurn()
		observability.GetGlobalMetrics().RecordTurn(ctx, s.id)
		s.emit(Event{Kind: EventTurn, Turn: turn, Node: NodeProposer})

		if err := ctx.Err(); err != nil {
			return s.cancelledResult(turn, err), nil
		}

		agentState := s.agentState()
		proposal, err := s.prop.Propose(ctx, s.turnInput(agentState))
		if err != nil {
			if protocol.IsKind(err, protocol.KindCancelled) {
				return s.cancelledResult(turn, err), nil
			}
			return nil, err
		}
		s.lastProposal = proposal
		s.lastNode = NodeGatekeeper
		s.emit(Event{Kind: EventProposal, Turn: turn, Node: NodeProposer, Proposal: proposal})

		verdict := s.gate.Evaluate(ctx, agentState, proposal)
		s.lastVerdict = &verdict
		observability.GetGlobalMetrics().RecordVerdict(ctx, string(verdict.Kind))
		s.emit(Event{Kind: EventVerdict, Turn: turn, Node: NodeGatekeeper, Proposal: proposal, Verdict: &verdict})

		switch verdict.Kind {
		case protocol.VerdictHalt:
			s.record(turn, proposal, string(verdict.Kind), state.ExecNotExecuted)
			s.checkpoint(ctx, turn)
			return s.endResult(turn, verdict.Rationale, ReasonVerdictHalt, proposal), nil

		case protocol.VerdictReject:
			s.record(turn, proposal, string(verdict.Kind), state.ExecNotExecuted)
			s.fw.LastFeedback = rejectionFeedback(proposal, verdict)
			s.checkpoint(ctx, turn)
			continue
		}

		// PASS: the effector runs exactly one tool.
		s.lastNode = NodeEffector
		feedback, execErr := s.reg.Execute(ctx, s.rt, proposal.ToolCall, proposal.Target)
		if execErr != nil {
			s.record(turn, proposal, verdictFailedExecution, state.ExecErrorPrefix+execErr.Error())
			s.fw.LastFeedback = execErr.Error()
			s.emit(Event{Kind: EventExecution, Turn: turn, Node: NodeEffector, Proposal: proposal, Message: execErr.Error()})
			s.checkpoint(ctx, turn)
			continue
		}

		s.record(turn, proposal, string(verdict.Kind), state.ExecSuccess)
		s.fw.LastFeedback = feedback
		s.emit(Event{Kind: EventExecution, Turn: turn, Node: NodeEffector, Proposal: proposal, Message: feedback})
		s.checkpoint(ctx, turn)

		if proposal.ToolCall == "halt_and_ask" {
			return s.endResult(turn, feedback, ReasonHalt, proposal), nil
		}
		s.lastNode = NodeProposer
	}

	s.emit(Event{Kind: EventEnd, Turn: s.pager.CurrentTurn(), Node: NodeEnd,
		Message: fmt.Sprintf("recursion limit %d reached", s.cfg.RecursionLimit)})
	return &Result{
		SessionID:    s.id,
		FinalMessage: fmt.Sprintf("Recursion limit %d reached without a halt.", s.cfg.RecursionLimit),
		Turns:        s.pager.CurrentTurn(),
		Reason:       ReasonRecursionLimit,
	}, nil
}

// housekeeping runs before every proposer turn: tick, rescan, physical GC,
// sidecar merge, elastic capacity refresh.
func (s *Session) housekeeping(ctx context.Context) {
	s.pager.Tick()

	infos, err := s.scanner.Scan(ctx)
	if err != nil {
		slog.Warn("Workspace rescan failed, keeping previous map", "error", err)
	} else {
		s.scanInfos = infos
	}

	s.collectDeadPages()
	s.mergeSidecar()
	s.resizeElastic()
}

// collectDeadPages drops FILE pages whose backing file left the workspace.
func (s *Session) collectDeadPages() {
	alive := make(map[string]bool, len(s.scanInfos))
	for _, info := range s.scanInfos {
		alive[state.Basename(info.Path)] = true
	}
	for _, p := range s.fs.ShadowedPaths() {
		alive[state.Basename(p)] = true
	}

	for _, id := range append(s.pager.L1IDs(), s.pager.L2IDs()...) {
		base, ok := strings.CutPrefix(id, paging.NamespaceFile)
		if !ok {
			continue
		}
		if !alive[base] {
			slog.Info("Collecting dead page", "id", id)
			s.pager.Remove(id)
		}
	}
}

// mergeSidecar imports knowledge other sessions persisted. Keys already seen
// or locally present are left alone, so a local delete stays deleted.
func (s *Session) mergeSidecar() {
	if s.side == nil {
		return
	}
	for key, entry := range s.side.Entries() {
		if s.mergedKeys[key] {
			continue
		}
		s.mergedKeys[key] = true
		if _, ok := s.fw.Artifact(key); ok {
			continue
		}
		if err := s.fw.SaveArtifact(&state.Artifact{
			Identifier: key,
			Type:       artifactType(entry.Type),
			Summary:    entry.Value,
			Status:     state.StatusCommitted,
		}); err != nil {
			slog.Warn("Skipping unimportable sidecar entry", "key", key, "error", err)
		}
	}
}

func artifactType(t string) state.ArtifactType {
	switch state.ArtifactType(t) {
	case state.ArtifactCodeFile, state.ArtifactConfig, state.ArtifactSearchResult,
		state.ArtifactErrorLog, state.ArtifactTextContent, state.ArtifactResult:
		return state.ArtifactType(t)
	default:
		return state.ArtifactTextContent
	}
}

// resizeElastic recomputes the L1 budget from the structural prompt overhead
// so capacity + overhead + floors stays within the total window. Damped: no
// move under the threshold, never above the configured cap.
func (s *Session) resizeElastic() {
	if !s.cfg.ElasticMode {
		return
	}

	overhead := s.structuralOverhead()
	proposed := s.cfg.MaxTotalContext - overhead - s.cfg.ContextFloors.Reasoning - s.cfg.ContextFloors.Output
	if proposed > s.initialCap {
		proposed = s.initialCap
	}
	if proposed < 0 {
		proposed = 0
	}

	current := s.pager.Capacity()
	if diff := proposed - current; diff > capacityResizeThreshold || diff < -capacityResizeThreshold {
		slog.Debug("Elastic capacity resize", "from", current, "to", proposed)
		s.pager.SetCapacity(proposed)
	}
}

// structuralOverhead estimates the prompt tokens spent outside L1 content.
func (s *Session) structuralOverhead() int {
	o := s.cfg.ContextFloors.Overhead
	o += s.counter.Count(s.fw.Mission)
	o += s.counter.Count(s.fw.LastFeedback)
	for _, id := range s.fw.ArtifactIDs() {
		o += s.counter.Count("<" + id + ">")
	}
	for _, rec := range s.fw.LastDecisions(s.cfg.MaxRecentTurns) {
		o += s.counter.Count(rec.ToolCall + " " + rec.Target)
	}
	return o
}

// agentState builds the read-only snapshot handed to policies and the
// gatekeeper. Components never see live pager internals.
func (s *Session) agentState() *state.AgentState {
	paths := make([]string, 0, len(s.scanInfos))
	for _, info := range s.scanInfos {
		paths = append(paths, info.Path)
	}
	return &state.AgentState{
		Framework:      s.fw,
		WorkspacePaths: paths,
		L1IDs:          s.pager.L1IDs(),
		L1Render:       s.pager.RenderL1(),
		LastProposal:   s.lastProposal,
		LastVerdict:    s.lastVerdict,
		LastNode:       s.lastNode,
		ForbiddenTools: s.cfg.ForbiddenTools,
		Turn:           s.pager.CurrentTurn(),
	}
}

func (s *Session) turnInput(agentState *state.AgentState) proposer.TurnInput {
	snap := s.pager.Export()
	l1 := make([]string, 0, len(snap.L1))
	for _, page := range snap.L1 {
		line := page.ID
		if page.Pinned {
			line += " (pinned)"
		}
		l1 = append(l1, line)
	}
	l2 := make([]string, 0, len(snap.L2))
	for _, page := range snap.L2 {
		l2 = append(l2, page.ID)
	}

	maskWorkspace := false
	for _, t := range s.cfg.ForbiddenTools {
		if t == "stage_context" {
			maskWorkspace = true
		}
	}

	return proposer.TurnInput{
		State:         agentState,
		L1Listing:     l1,
		L2Listing:     l2,
		Workspace:     workspace.Summarize(s.scanInfos),
		MaskWorkspace: maskWorkspace,
	}
}

// record appends exactly one history entry for the turn.
func (s *Session) record(turn int, p *protocol.Proposal, verdict, execResult string) {
	rec := state.DecisionRecord{
		Turn:            turn,
		ToolCall:        p.ToolCall,
		Target:          p.Target,
		Rationale:       p.ThoughtProcess,
		Verdict:         verdict,
		ExecutionResult: execResult,
	}
	if err := s.fw.RecordDecision(rec); err != nil {
		slog.Error("Decision record out of order", "turn", turn, "error", err)
	}
}

// rejectionFeedback formats the feedback the anti-loop guard parses.
func rejectionFeedback(p *protocol.Proposal, v protocol.Verdict) string {
	label := p.PolicyName
	if label == "" {
		label = "Gatekeeper"
	}
	feedback := fmt.Sprintf("[%s] REJECTED: %s", label, v.Rationale)
	if v.Correction != "" {
		feedback += " " + v.Correction
	}
	return feedback
}

func (s *Session) endResult(turn int, message, reason string, p *protocol.Proposal) *Result {
	s.lastNode = NodeEnd
	s.emit(Event{Kind: EventEnd, Turn: turn, Node: NodeEnd, Message: message})
	return &Result{
		SessionID:    s.id,
		FinalMessage: message,
		Turns:        turn,
		Reason:       reason,
		KernelPanic:  p != nil && p.PolicyName == "KernelPanic",
	}
}

// cancelledResult records the synthetic halt the cancellation contract
// requires, then ends cleanly.
func (s *Session) cancelledResult(turn int, err error) *Result {
	synthetic := &protocol.Proposal{
		ThoughtProcess: "External cancellation.",
		ToolCall:       "halt_and_ask",
		Target:         fmt.Sprintf("Session cancelled: %v", err),
	}
	s.record(turn, synthetic, string(protocol.VerdictHalt), state.ExecNotExecuted)
	s.lastNode = NodeEnd
	s.emit(Event{Kind: EventEnd, Turn: turn, Node: NodeEnd, Message: synthetic.Target})
	return &Result{
		SessionID:    s.id,
		FinalMessage: synthetic.Target,
		Turns:        turn,
		Reason:       ReasonCancelled,
	}
}

func (s *Session) checkpoint(ctx context.Context, turn int) {
	if s.checkpointer == nil {
		return
	}
	cp := &Checkpoint{
		SessionID: s.id,
		Turn:      turn,
		Node:      s.lastNode,
		State:     s.fw,
		Pager:     s.pager.Export(),
	}
	if err := s.checkpointer.Save(ctx, cp); err != nil {
		slog.Warn("Checkpoint write failed", "turn", turn, "error", err)
	}
}

func (s *Session) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}
