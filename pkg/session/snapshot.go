package session

import (
	"fmt"

	"github.com/B-A-M-N/amnesic/pkg/paging"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/state"
)

// snapshotBucket is one labeled time-travel point. Buckets live in memory
// only and die with the session.
type snapshotBucket struct {
	artifacts map[string]*state.Artifact
	pager     paging.Snapshot
}

// Snapshot deep-copies the artifacts and resident pages under a label.
// Relabeling overwrites the previous bucket.
func (s *Session) Snapshot(label string) {
	s.snapshots[label] = snapshotBucket{
		artifacts: s.fw.CloneArtifacts(),
		pager:     s.pager.Export(),
	}
}

// Restore overwrites the live artifacts and pages from the bucket, clears
// the decision history and marks the hypothesis. Mission, constraints and
// the rest of the framework state are preserved.
func (s *Session) Restore(label string) error {
	bucket, ok := s.snapshots[label]
	if !ok {
		return protocol.NewError(protocol.KindNotFound, label, "no snapshot with this label")
	}

	restored := make(map[string]*state.Artifact, len(bucket.artifacts))
	for id, a := range bucket.artifacts {
		restored[id] = a.Clone()
	}
	s.fw.Artifacts = restored
	s.fw.History = nil
	s.fw.Hypothesis = fmt.Sprintf("RESTORED: %s", label)
	s.fw.LastFeedback = ""

	s.pager.Import(bucket.pager)
	return nil
}

// SnapshotLabels lists the stored labels, mainly for operator display.
func (s *Session) SnapshotLabels() []string {
	labels := make([]string, 0, len(s.snapshots))
	for l := range s.snapshots {
		labels = append(labels, l)
	}
	return labels
}
