// Package protocol defines the types exchanged between the proposer, the
// gatekeeper and the effector: proposals, verdicts, audit profiles and the
// kernel error taxonomy.
package protocol

import "strings"

// Proposal is one proposed action per turn, produced either by a kernel
// policy or by the model driver.
type Proposal struct {
	ThoughtProcess string `json:"thought_process" mapstructure:"thought_process"`
	ToolCall       string `json:"tool_call" mapstructure:"tool_call"`
	Target         string `json:"target" mapstructure:"target"`

	// PolicyName tags proposals that were forced by a deterministic policy
	// so the anti-loop guard can recognize repeated rejections.
	PolicyName string `json:"policy_name,omitempty" mapstructure:"policy_name"`
}

// VerdictKind is the gatekeeper's decision for a proposal.
type VerdictKind string

const (
	VerdictPass   VerdictKind = "PASS"
	VerdictReject VerdictKind = "REJECT"
	VerdictHalt   VerdictKind = "HALT"
)

// Verdict is the gatekeeper's full response. Rejections carry a correction
// string surfaced to the proposer on the next turn.
type Verdict struct {
	Kind       VerdictKind `json:"kind"`
	Rationale  string      `json:"rationale"`
	Confidence float64     `json:"confidence"`
	Correction string      `json:"correction,omitempty"`
}

func Pass(rationale string, confidence float64) Verdict {
	return Verdict{Kind: VerdictPass, Rationale: rationale, Confidence: confidence}
}

func Reject(rationale, correction string) Verdict {
	return Verdict{Kind: VerdictReject, Rationale: rationale, Confidence: 1.0, Correction: correction}
}

func Halt(rationale string) Verdict {
	return Verdict{Kind: VerdictHalt, Rationale: rationale, Confidence: 1.0}
}

// AuditProfile tunes gatekeeper strictness per tool.
type AuditProfile struct {
	Name               string   `json:"name" yaml:"name"`
	FastPathTools      []string `json:"fast_path_tools" yaml:"fast_path_tools"`
	RelevanceThreshold float64  `json:"relevance_threshold" yaml:"relevance_threshold"`
	StrictTools        []string `json:"strict_tools" yaml:"strict_tools"`
	AllowForgiveness   bool     `json:"allow_forgiveness" yaml:"allow_forgiveness"`
}

// IsFastPath reports whether the tool is eligible for the profile's
// fast-path relevance threshold.
func (p AuditProfile) IsFastPath(tool string) bool {
	for _, t := range p.FastPathTools {
		if t == tool || t == "*" {
			return true
		}
	}
	return false
}

// IsStrict reports whether the tool must take the full audit path.
// The wildcard "*" marks every tool strict.
func (p AuditProfile) IsStrict(tool string) bool {
	for _, t := range p.StrictTools {
		if t == tool || t == "*" {
			return true
		}
	}
	return false
}

// The three preset profiles every session can select by name.
const (
	ProfileStrictAudit = "STRICT_AUDIT"
	ProfileFluidRead   = "FLUID_READ"
	ProfileHighSpeed   = "HIGH_SPEED"
)

// StrictAudit routes every tool through the full audit pipeline.
func StrictAudit() AuditProfile {
	return AuditProfile{
		Name:               ProfileStrictAudit,
		RelevanceThreshold: 0.70,
		StrictTools:        []string{"*"},
	}
}

// FluidRead fast-paths reads and verifications at a 0.55 threshold.
func FluidRead() AuditProfile {
	return AuditProfile{
		Name:               ProfileFluidRead,
		FastPathTools:      []string{"stage_context", "unstage_context", "stage_artifact", "stage_multiple_artifacts", "verify_step", "query_sidecar"},
		RelevanceThreshold: 0.55,
		StrictTools:        []string{"write_file", "edit_file"},
		AllowForgiveness:   true,
	}
}

// HighSpeed fast-paths most tools at a 0.45 threshold.
func HighSpeed() AuditProfile {
	return AuditProfile{
		Name:               ProfileHighSpeed,
		FastPathTools:      []string{"stage_context", "unstage_context", "stage_artifact", "stage_multiple_artifacts", "verify_step", "query_sidecar", "save_artifact", "calculate", "compare_files"},
		RelevanceThreshold: 0.45,
		AllowForgiveness:   true,
	}
}

// PresetProfile returns a preset by name, or false when the name is not a
// preset (custom profiles come from session config).
func PresetProfile(name string) (AuditProfile, bool) {
	switch strings.ToUpper(name) {
	case ProfileStrictAudit:
		return StrictAudit(), true
	case ProfileFluidRead:
		return FluidRead(), true
	case ProfileHighSpeed:
		return HighSpeed(), true
	default:
		return AuditProfile{}, false
	}
}
