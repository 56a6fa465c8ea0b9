package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/B-A-M-N/amnesic/pkg/paging"
	"github.com/B-A-M-N/amnesic/pkg/state"
	"github.com/B-A-M-N/amnesic/pkg/workspace"
)

// StageContext reads workspace files into L1. Targets are comma lists; the
// contextual form "path?query=symbol" stages only the named symbol's source.
type StageContext struct{}

func (*StageContext) Name() string { return "stage_context" }

func (*StageContext) Execute(ctx context.Context, rt *Runtime, target string) (string, error) {
	paths := splitList(target)
	if len(paths) == 0 {
		return "", notFoundError("File", target)
	}

	var staged []string
	for _, raw := range paths {
		path, symbol := splitContextualQuery(raw)

		abs, err := workspace.Resolve(rt.Roots, path)
		if err != nil {
			return "", err
		}
		if !rt.FS.Exists(abs) {
			return "", notFoundError("File", path)
		}

		var content string
		if symbol != "" {
			content, err = rt.Scanner.SymbolLookup(abs, symbol)
		} else {
			content, err = rt.FS.ReadFile(abs)
		}
		if err != nil {
			return "", err
		}

		id := paging.NamespaceFile + state.Basename(path)
		if !rt.Pager.RequestAccess(id, content, paging.DefaultPriority) {
			return "", l1ViolationError(rt, state.Basename(path))
		}
		staged = append(staged, id)
	}
	return fmt.Sprintf("Staged %s into L1.", strings.Join(staged, ", ")), nil
}

// splitContextualQuery separates "path?query=symbol" into its parts.
func splitContextualQuery(raw string) (path, symbol string) {
	i := strings.Index(raw, "?")
	if i < 0 {
		return raw, ""
	}
	query := raw[i+1:]
	path = raw[:i]
	if strings.HasPrefix(query, "query=") {
		return path, strings.TrimSpace(strings.TrimPrefix(query, "query="))
	}
	return path, strings.TrimSpace(query)
}

// UnstageContext demotes pages to L2. "ALL" clears every non-pinned page.
type UnstageContext struct{}

func (*UnstageContext) Name() string { return "unstage_context" }

func (*UnstageContext) Execute(_ context.Context, rt *Runtime, target string) (string, error) {
	if strings.EqualFold(strings.TrimSpace(target), "ALL") {
		var demoted int
		for _, id := range rt.Pager.L1IDs() {
			if strings.HasPrefix(id, paging.NamespaceSys) {
				continue
			}
			rt.Pager.EvictToL2(id)
			demoted++
		}
		return fmt.Sprintf("Unstaged %d pages to L2.", demoted), nil
	}

	id := pageID(target)
	rt.Pager.EvictToL2(id)
	return fmt.Sprintf("Unstaged %s.", id), nil
}

// StageArtifact promotes a saved artifact's payload into L1 for inspection.
type StageArtifact struct{}

func (*StageArtifact) Name() string { return "stage_artifact" }

func (*StageArtifact) Execute(_ context.Context, rt *Runtime, target string) (string, error) {
	return stageOneArtifact(rt, strings.TrimSpace(target))
}

// StageMultipleArtifacts promotes a comma list of artifacts at once.
type StageMultipleArtifacts struct{}

func (*StageMultipleArtifacts) Name() string { return "stage_multiple_artifacts" }

func (*StageMultipleArtifacts) Execute(_ context.Context, rt *Runtime, target string) (string, error) {
	ids := splitList(target)
	if len(ids) == 0 {
		return "", notFoundError("Artifact", target)
	}
	var messages []string
	for _, id := range ids {
		msg, err := stageOneArtifact(rt, id)
		if err != nil {
			return "", err
		}
		messages = append(messages, msg)
	}
	return strings.Join(messages, " "), nil
}

func stageOneArtifact(rt *Runtime, ident string) (string, error) {
	a, ok := rt.State.Artifact(ident)
	if !ok {
		return "", notFoundError("Artifact", ident)
	}
	id := paging.NamespaceArtifact + ident
	if !rt.Pager.RequestAccess(id, a.Summary, paging.DefaultPriority) {
		return "", l1ViolationError(rt, ident)
	}
	return fmt.Sprintf("Staged %s into L1.", id), nil
}
