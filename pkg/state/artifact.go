// Package state holds the per-session mutable record: mission, plan,
// artifacts, decision history and the read-only snapshot handed to the
// policy engine and gatekeeper each turn.
package state

import (
	"regexp"
	"strings"
)

// MaxSummaryBytes caps artifact payloads so a runaway model cannot OOM the
// process through tool output.
const MaxSummaryBytes = 1 << 20

// identifierPattern is the strict artifact identifier grammar. Spaces and
// prose are rejected outright.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidIdentifier reports whether s satisfies the artifact identifier
// grammar.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ArtifactType classifies what kind of fact an artifact records.
type ArtifactType string

const (
	ArtifactCodeFile     ArtifactType = "code_file"
	ArtifactConfig       ArtifactType = "config"
	ArtifactSearchResult ArtifactType = "search_result"
	ArtifactErrorLog     ArtifactType = "error_log"
	ArtifactTextContent  ArtifactType = "text_content"
	ArtifactResult       ArtifactType = "result"
)

// ArtifactStatus tracks an artifact through its review lifecycle.
type ArtifactStatus string

const (
	StatusStaged            ArtifactStatus = "staged"
	StatusCommitted         ArtifactStatus = "committed"
	StatusNeedsReview       ArtifactStatus = "needs_review"
	StatusVerifiedInvariant ArtifactStatus = "verified_invariant"
)

// Artifact is a durable symbolic fact produced by an agent turn.
type Artifact struct {
	Identifier string         `json:"identifier"`
	Type       ArtifactType   `json:"type"`
	Summary    string         `json:"summary"`
	Status     ArtifactStatus `json:"status"`
	Pinned     bool           `json:"pinned"`
}

// Clone returns a deep copy.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// IsMeta reports whether the artifact is bookkeeping output rather than a
// collected fact. Meta artifacts do not count toward mission progress.
func (a *Artifact) IsMeta() bool {
	return IsMetaIdentifier(a.Identifier)
}

// PinPrefix marks a save_artifact target whose artifact should also be
// pinned into L1.
const PinPrefix = "PINNED_L1:"

// SplitArtifactTarget splits a save_artifact target into identifier and
// value, handling both "IDENT: value" and "IDENT=value" and the PinPrefix.
func SplitArtifactTarget(target string) (key, value string) {
	target = strings.TrimSpace(strings.TrimPrefix(target, PinPrefix))

	colon := strings.Index(target, ":")
	equals := strings.Index(target, "=")
	cut := colon
	if cut == -1 || (equals != -1 && equals < cut) {
		cut = equals
	}
	if cut == -1 {
		return strings.TrimSpace(target), ""
	}
	return strings.TrimSpace(target[:cut]), strings.TrimSpace(target[cut+1:])
}

// IsMetaIdentifier classifies bookkeeping identifiers: the calculator's
// TOTAL, verification markers and completion/violation flags.
func IsMetaIdentifier(id string) bool {
	upper := strings.ToUpper(id)
	if upper == "TOTAL" || upper == "RESOLVED_CODE" {
		return true
	}
	return strings.HasPrefix(upper, "VERIFICATION") ||
		strings.HasSuffix(upper, "COMPLETE") ||
		strings.HasSuffix(upper, "VIOLATION")
}
