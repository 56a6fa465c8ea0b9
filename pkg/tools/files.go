package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/B-A-M-N/amnesic/pkg/paging"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/state"
	"github.com/B-A-M-N/amnesic/pkg/workspace"
)

// splitPathPayload splits "path: payload" targets.
func splitPathPayload(target string) (path, payload string, err error) {
	i := strings.Index(target, ":")
	if i <= 0 {
		return "", "", protocol.NewError(protocol.KindBadInput, target,
			"expected 'path: content' form")
	}
	return strings.TrimSpace(target[:i]), strings.TrimSpace(target[i+1:]), nil
}

// WriteFile writes a whole file through the shadow overlay.
type WriteFile struct{}

func (*WriteFile) Name() string { return "write_file" }

func (*WriteFile) Execute(_ context.Context, rt *Runtime, target string) (string, error) {
	path, content, err := splitPathPayload(target)
	if err != nil {
		return "", err
	}
	abs, err := workspace.Resolve(rt.Roots, path)
	if err != nil {
		return "", err
	}
	if err := rt.FS.WriteFile(abs, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s.", len(content), path), nil
}

// EditFile performs a driver-assisted surgical edit: the model receives the
// current content plus the instruction and returns the full updated file.
type EditFile struct{}

func (*EditFile) Name() string { return "edit_file" }

const editSystemPrompt = "You are a precise file editor. Apply the instruction to the file and return ONLY the complete updated file content, no commentary, no fences."

func (*EditFile) Execute(ctx context.Context, rt *Runtime, target string) (string, error) {
	path, instruction, err := splitPathPayload(target)
	if err != nil {
		return "", err
	}
	abs, err := workspace.Resolve(rt.Roots, path)
	if err != nil {
		return "", err
	}
	current, err := rt.FS.ReadFile(abs)
	if err != nil {
		return "", err
	}

	prompt := fmt.Sprintf("FILE %s:\n%s\n\nINSTRUCTION: %s", path, current, instruction)
	updated, err := rt.Driver.GenerateRaw(ctx, prompt, editSystemPrompt)
	if err != nil {
		return "", protocol.WrapError(protocol.KindIOFailure, path, err)
	}
	updated = strings.TrimSpace(stripFences(updated))
	if updated == "" {
		return "", protocol.NewError(protocol.KindIOFailure, path, "editor returned empty content")
	}

	if err := rt.FS.WriteFile(abs, updated); err != nil {
		return "", err
	}

	// A staged copy must reflect the edit immediately.
	id := paging.NamespaceFile + state.Basename(path)
	if rt.Pager.InL1(id) {
		rt.Pager.RequestAccess(id, updated, paging.DefaultPriority)
	}
	return fmt.Sprintf("Edited %s.", path), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

// CompareFiles runs the comparator workflow: both sides staged as an
// overlay, the driver resolves the merge, the result lands in RESOLVED_CODE
// and the overlay is purged.
type CompareFiles struct{}

func (*CompareFiles) Name() string { return "compare_files" }

const compareSystemPrompt = "You are a merge resolver. Given two versions of a file, produce the single best merged version. Return ONLY the merged content."

func (*CompareFiles) Execute(ctx context.Context, rt *Runtime, target string) (string, error) {
	paths := splitList(target)
	if len(paths) != 2 {
		return "", protocol.NewError(protocol.KindBadInput, target, "compare_files takes exactly two paths")
	}

	contents := make([]string, 2)
	for i, p := range paths {
		abs, err := workspace.Resolve(rt.Roots, p)
		if err != nil {
			return "", err
		}
		if !rt.FS.Exists(abs) {
			return "", notFoundError("File", p)
		}
		if contents[i], err = rt.FS.ReadFile(abs); err != nil {
			return "", err
		}
	}

	baseA, baseB := state.Basename(paths[0]), state.Basename(paths[1])
	if !rt.Comparator.LoadPair(baseA, contents[0], baseB, contents[1]) {
		return "", protocol.NewError(protocol.KindCapacityExceeded, target,
			"the pair exceeds the L1 capacity; compare smaller slices")
	}
	defer rt.Comparator.PurgePair()

	prompt := fmt.Sprintf("VERSION A (%s):\n%s\n\nVERSION B (%s):\n%s", baseA, contents[0], baseB, contents[1])
	merged, err := rt.Driver.GenerateRaw(ctx, prompt, compareSystemPrompt)
	if err != nil {
		return "", protocol.WrapError(protocol.KindIOFailure, target, err)
	}
	merged = strings.TrimSpace(stripFences(merged))

	if err := rt.State.SaveArtifact(&state.Artifact{
		Identifier: "RESOLVED_CODE",
		Type:       state.ArtifactCodeFile,
		Summary:    merged,
		Status:     state.StatusNeedsReview,
	}); err != nil {
		return "", protocol.WrapError(protocol.KindBadInput, "RESOLVED_CODE", err)
	}
	return fmt.Sprintf("Compared %s and %s; merged result saved as RESOLVED_CODE.", baseA, baseB), nil
}
