package state

import "github.com/B-A-M-N/amnesic/pkg/protocol"

// AgentState is the read-only snapshot of the graph-level state handed to
// the policy engine and gatekeeper each turn. Components hold handles (ids,
// rendered views), never live pointers into the pager.
type AgentState struct {
	Framework *FrameworkState

	// WorkspacePaths is the current workspace map (relative paths).
	WorkspacePaths []string

	// L1IDs are the page ids currently resident in L1.
	L1IDs []string

	// L1Render is the concatenated L1 view used for grounding checks.
	L1Render string

	LastProposal *protocol.Proposal
	LastVerdict  *protocol.Verdict
	LastNode     string

	ForbiddenTools []string

	// Turn is the pager's current turn counter.
	Turn int
}

// InL1 reports whether a page id is resident in L1.
func (a *AgentState) InL1(id string) bool {
	for _, pid := range a.L1IDs {
		if pid == id {
			return true
		}
	}
	return false
}

// InWorkspace reports whether a path (exact or basename match) is present
// in the workspace map.
func (a *AgentState) InWorkspace(path string) bool {
	base := Basename(path)
	for _, p := range a.WorkspacePaths {
		if p == path || Basename(p) == base {
			return true
		}
	}
	return false
}

// ToolForbidden reports whether the session config forbids a tool.
func (a *AgentState) ToolForbidden(tool string) bool {
	for _, t := range a.ForbiddenTools {
		if t == tool {
			return true
		}
	}
	return false
}

// Basename returns the final path element without touching the filesystem.
func Basename(path string) string {
	last := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			last = path[i+1:]
			break
		}
	}
	return last
}
