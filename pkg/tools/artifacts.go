package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/B-A-M-N/amnesic/pkg/config"
	"github.com/B-A-M-N/amnesic/pkg/paging"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/state"
)

// SaveArtifact distills a fact into a named artifact. The PINNED_L1: prefix
// also pins the value into the working set; saved artifacts are mirrored
// into the sidecar when one is attached.
type SaveArtifact struct{}

func (*SaveArtifact) Name() string { return "save_artifact" }

func (*SaveArtifact) Execute(ctx context.Context, rt *Runtime, target string) (string, error) {
	pinned := strings.HasPrefix(strings.TrimSpace(target), state.PinPrefix)
	key, value := state.SplitArtifactTarget(target)

	artifact := &state.Artifact{
		Identifier: key,
		Type:       classifyValue(value),
		Summary:    value,
		Status:     state.StatusCommitted,
		Pinned:     pinned,
	}
	if err := rt.State.SaveArtifact(artifact); err != nil {
		return "", protocol.WrapError(protocol.KindBadInput, key, err)
	}

	if pinned {
		if err := rt.Pager.Pin(paging.NamespaceArtifact+key, value); err != nil {
			return "", err
		}
	}

	if rt.Side != nil {
		_ = rt.Side.Ingest(ctx, key, value, string(artifact.Type), map[string]string{"source": "artifact"})
	}

	// on_save releases the source material: the fact is distilled, the raw
	// file no longer needs L1 residency.
	if rt.EvictionStrategy == config.EvictOnSave {
		for _, id := range rt.Pager.L1IDs() {
			if strings.HasPrefix(id, paging.NamespaceFile) {
				rt.Pager.EvictToL2(id)
			}
		}
	}

	return fmt.Sprintf("Saved artifact %s.", key), nil
}

func classifyValue(value string) state.ArtifactType {
	trimmed := strings.TrimSpace(value)
	switch {
	case trimmed == "":
		return state.ArtifactResult
	case isNumber(trimmed):
		return state.ArtifactResult
	case strings.Contains(trimmed, "\n") && strings.Contains(trimmed, "def "),
		strings.Contains(trimmed, "func "),
		strings.Contains(trimmed, "class "):
		return state.ArtifactCodeFile
	case strings.Contains(trimmed, "="):
		return state.ArtifactConfig
	default:
		return state.ArtifactTextContent
	}
}

func isNumber(s string) bool {
	dot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '-' && i == 0:
		case r == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return len(s) > 0
}

// DeleteArtifact removes an artifact and its L1 projection.
type DeleteArtifact struct{}

func (*DeleteArtifact) Name() string { return "delete_artifact" }

func (*DeleteArtifact) Execute(_ context.Context, rt *Runtime, target string) (string, error) {
	ident := strings.TrimSpace(target)
	rt.State.DeleteArtifact(ident)
	rt.Pager.Remove(paging.NamespaceArtifact + ident)
	return fmt.Sprintf("Deleted artifact %s.", ident), nil
}

// QuerySidecar recalls knowledge from the shared store into feedback.
type QuerySidecar struct{}

func (*QuerySidecar) Name() string { return "query_sidecar" }

func (*QuerySidecar) Execute(ctx context.Context, rt *Runtime, target string) (string, error) {
	if rt.Side == nil {
		return "Sidecar is disabled for this session.", nil
	}

	matches, err := rt.Side.QuerySemantic(ctx, target, 3)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return fmt.Sprintf("Sidecar has no knowledge matching %q.", target), nil
	}

	var b strings.Builder
	b.WriteString("Sidecar recall:")
	for _, m := range matches {
		fmt.Fprintf(&b, " [%s] %s (%.2f);", m.Key, m.Content, m.Score)
	}
	return strings.TrimSuffix(b.String(), ";"), nil
}
