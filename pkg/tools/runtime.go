// Package tools implements the effector side of the kernel: the tool ABI the
// proposer may invoke, executed against the pager, sidecar, workspace and
// framework state.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/B-A-M-N/amnesic/pkg/config"
	"github.com/B-A-M-N/amnesic/pkg/gatekeeper"
	"github.com/B-A-M-N/amnesic/pkg/llms"
	"github.com/B-A-M-N/amnesic/pkg/observability"
	"github.com/B-A-M-N/amnesic/pkg/paging"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/registry"
	"github.com/B-A-M-N/amnesic/pkg/sidecar"
	"github.com/B-A-M-N/amnesic/pkg/state"
	"github.com/B-A-M-N/amnesic/pkg/workspace"
)

// Runtime carries the handles a tool may touch. The session builds one per
// run; tools never reach outside it.
type Runtime struct {
	Pager      *paging.Pager
	Comparator *paging.Comparator
	Side       *sidecar.Sidecar // nil when the sidecar is disabled
	Scanner    workspace.Scanner
	FS         *workspace.ShadowFS
	Roots      []string
	State      *state.FrameworkState
	Driver     llms.Driver
	Gatekeeper *gatekeeper.Gatekeeper

	CustomProfiles   map[string]protocol.AuditProfile
	EvictionStrategy config.EvictionStrategy
}

// Tool is one registered effector function. Execute returns the feedback
// string surfaced to the agent next turn.
type Tool interface {
	Name() string
	Execute(ctx context.Context, rt *Runtime, target string) (string, error)
}

// Registry maps tool names to implementations.
type Registry struct {
	*registry.BaseRegistry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Tool]()}
}

// DefaultRegistry registers the complete tool ABI.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range []Tool{
		&StageContext{},
		&UnstageContext{},
		&SaveArtifact{},
		&StageArtifact{},
		&StageMultipleArtifacts{},
		&DeleteArtifact{},
		&QuerySidecar{},
		&EditFile{},
		&WriteFile{},
		&Calculate{},
		&VerifyStep{},
		&CompareFiles{},
		&SwitchStrategy{},
		&SetAuditPolicy{},
		&EnablePolicy{},
		&DisablePolicy{},
		&HaltAndAsk{},
	} {
		if err := r.Register(t.Name(), t); err != nil {
			panic(fmt.Sprintf("duplicate tool registration: %v", err))
		}
	}
	return r
}

// Execute dispatches a call by name. Unknown names are BadInput, visible to
// the caller rather than swallowed.
func (r *Registry) Execute(ctx context.Context, rt *Runtime, name, target string) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		err := protocol.NewError(protocol.KindBadInput, name, "unknown tool")
		observability.GetGlobalMetrics().RecordToolCall(ctx, name, err)
		return "", err
	}
	feedback, err := tool.Execute(ctx, rt, target)
	observability.GetGlobalMetrics().RecordToolCall(ctx, name, err)
	return feedback, err
}

// splitList splits comma or newline separated values.
func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// pageID normalizes a tool target into a page id.
func pageID(target string) string {
	if strings.Contains(target, ":") {
		return target
	}
	return paging.NamespaceFile + state.Basename(target)
}

// l1ViolationError builds the feedback the L1ViolationHandler policy parses.
func l1ViolationError(rt *Runtime, target string) error {
	msg := fmt.Sprintf("%s: cannot admit '%s'.", state.FeedbackL1Violation, target)
	if blocker, ok := rt.Pager.EvictionCandidate(); ok {
		msg += fmt.Sprintf(" Evict '%s' first.", blocker)
	} else {
		msg += " The page exceeds the L1 budget on its own."
	}
	return protocol.NewError(protocol.KindCapacityExceeded, target, "%s", msg)
}

// notFoundError builds the feedback the CriticalErrorHalt policy reacts to.
func notFoundError(kind, name string) error {
	return protocol.NewError(protocol.KindNotFound, name,
		"%s: %s '%s' NOT FOUND in workspace.", state.FeedbackCriticalError, kind, name)
}

func sortedProfileNames(m map[string]protocol.AuditProfile) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
