package state

import (
	"fmt"
	"sort"
	"strings"
)

// StepStatus tracks plan steps.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepActive  StepStatus = "active"
	StepDone    StepStatus = "done"
	StepSkipped StepStatus = "skipped"
)

// PlanStep is one ordered step of the session plan.
type PlanStep struct {
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
}

// Execution results recorded per decision.
const (
	ExecSuccess     = "SUCCESS"
	ExecNotExecuted = "NOT_EXECUTED"
	// Failed executions are recorded as "ERROR: <message>".
	ExecErrorPrefix = "ERROR: "
)

// DecisionRecord is one turn of the append-only decision history.
type DecisionRecord struct {
	Turn            int    `json:"turn"`
	ToolCall        string `json:"tool_call"`
	Target          string `json:"target"`
	Rationale       string `json:"rationale"`
	Verdict         string `json:"verdict"`
	ExecutionResult string `json:"execution_result"`
}

// FrameworkState is the per-session mutable record.
type FrameworkState struct {
	Mission        string               `json:"mission"`
	Hypothesis     string               `json:"hypothesis"`
	Constraints    []string             `json:"constraints"`
	Plan           []PlanStep           `json:"plan"`
	Artifacts      map[string]*Artifact `json:"artifacts"`
	Confidence     float64              `json:"confidence"`
	Unknowns       []string             `json:"unknowns"`
	Strategy       string               `json:"strategy"`
	CurrentStep    int                  `json:"current_step"`
	ElasticMode    bool                 `json:"elastic_mode"`
	AuditProfile   string               `json:"audit_profile"`
	ActivePolicies []string             `json:"active_policies"`
	LastFeedback   string               `json:"last_feedback"`
	History        []DecisionRecord     `json:"history"`

	// SanitizationMode exempts explicitly redacted artifact values from
	// semantic grounding. It is a session flag, never inferred from the
	// payload.
	SanitizationMode bool `json:"sanitization_mode"`

	// Terminal conditions configured explicitly. Zero values mean
	// "derive from mission text".
	RequiredArtifacts int  `json:"required_artifacts"`
	RequiresWrite     bool `json:"requires_write"`
}

// NewFrameworkState builds the state for a mission with sane defaults.
func NewFrameworkState(mission string) *FrameworkState {
	return &FrameworkState{
		Mission:    mission,
		Artifacts:  make(map[string]*Artifact),
		Confidence: 0.5,
		Strategy:   "default",
	}
}

// SaveArtifact creates or overwrites an artifact. Identifier uniqueness is
// per session; saving the same identifier overwrites.
func (s *FrameworkState) SaveArtifact(a *Artifact) error {
	if a == nil {
		return fmt.Errorf("artifact cannot be nil")
	}
	if !ValidIdentifier(a.Identifier) {
		return fmt.Errorf("artifact identifier %q violates grammar", a.Identifier)
	}
	if len(a.Summary) > MaxSummaryBytes {
		return fmt.Errorf("artifact %s summary exceeds %d bytes", a.Identifier, MaxSummaryBytes)
	}
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]*Artifact)
	}
	s.Artifacts[a.Identifier] = a
	return nil
}

// Artifact looks up an artifact by identifier.
func (s *FrameworkState) Artifact(id string) (*Artifact, bool) {
	a, ok := s.Artifacts[id]
	return a, ok
}

// DeleteArtifact removes an artifact; deleting a missing one is a no-op.
func (s *FrameworkState) DeleteArtifact(id string) {
	delete(s.Artifacts, id)
}

// ArtifactIDs returns identifiers in sorted order for stable rendering.
func (s *FrameworkState) ArtifactIDs() []string {
	ids := make([]string, 0, len(s.Artifacts))
	for id := range s.Artifacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NonMetaArtifactCount counts artifacts that represent collected facts.
func (s *FrameworkState) NonMetaArtifactCount() int {
	n := 0
	for _, a := range s.Artifacts {
		if !a.IsMeta() {
			n++
		}
	}
	return n
}

// RecordDecision appends exactly one history entry; turn numbers must be
// strictly increasing.
func (s *FrameworkState) RecordDecision(rec DecisionRecord) error {
	if n := len(s.History); n > 0 && rec.Turn <= s.History[n-1].Turn {
		return fmt.Errorf("decision turn %d not after %d", rec.Turn, s.History[n-1].Turn)
	}
	s.History = append(s.History, rec)
	return nil
}

// LastDecisions returns up to n most recent history entries, newest last.
func (s *FrameworkState) LastDecisions(n int) []DecisionRecord {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	if n > len(s.History) {
		n = len(s.History)
	}
	return s.History[len(s.History)-n:]
}

// WriteSucceeded reports whether any write_file call completed successfully.
func (s *FrameworkState) WriteSucceeded() bool {
	for _, rec := range s.History {
		if rec.ToolCall == "write_file" && rec.ExecutionResult == ExecSuccess {
			return true
		}
	}
	return false
}

// CloneArtifacts deep-copies the artifact map for snapshots.
func (s *FrameworkState) CloneArtifacts() map[string]*Artifact {
	out := make(map[string]*Artifact, len(s.Artifacts))
	for id, a := range s.Artifacts {
		out[id] = a.Clone()
	}
	return out
}

// PolicyEnabled reports whether a policy name is active. An empty
// ActivePolicies list means all configured policies are active.
func (s *FrameworkState) PolicyEnabled(name string) bool {
	if len(s.ActivePolicies) == 0 {
		return true
	}
	for _, p := range s.ActivePolicies {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}
