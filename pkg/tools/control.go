package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/B-A-M-N/amnesic/pkg/policy"
	"github.com/B-A-M-N/amnesic/pkg/protocol"
)

// SwitchStrategy records a new high-level approach in the session state.
type SwitchStrategy struct{}

func (*SwitchStrategy) Name() string { return "switch_strategy" }

func (*SwitchStrategy) Execute(_ context.Context, rt *Runtime, target string) (string, error) {
	strategy := strings.TrimSpace(target)
	if strategy == "" {
		return "", protocol.NewError(protocol.KindBadInput, "strategy", "strategy cannot be empty")
	}
	rt.State.Strategy = strategy
	return fmt.Sprintf("Strategy switched to %q.", strategy), nil
}

// SetAuditPolicy switches the gatekeeper to a preset or custom audit profile.
type SetAuditPolicy struct{}

func (*SetAuditPolicy) Name() string { return "set_audit_policy" }

func (*SetAuditPolicy) Execute(_ context.Context, rt *Runtime, target string) (string, error) {
	name := strings.TrimSpace(target)

	profile, ok := protocol.PresetProfile(name)
	if !ok {
		profile, ok = rt.CustomProfiles[name]
	}
	if !ok {
		known := []string{protocol.ProfileStrictAudit, protocol.ProfileFluidRead, protocol.ProfileHighSpeed}
		known = append(known, sortedProfileNames(rt.CustomProfiles)...)
		return "", protocol.NewError(protocol.KindBadInput, name,
			"unknown audit profile; known profiles: %s", strings.Join(known, ", "))
	}

	rt.Gatekeeper.SetProfile(profile)
	rt.State.AuditProfile = profile.Name
	return fmt.Sprintf("Audit profile set to %s (threshold %.2f).", profile.Name, profile.RelevanceThreshold), nil
}

func allPolicyNames() []string {
	return []string{
		policy.NameStagnationBreaker,
		policy.NameProgressLock,
		policy.NameL1ViolationHandler,
		policy.NameCriticalErrorHalt,
		policy.NameCompletionPolicy,
		policy.NameAutoHalt,
	}
}

// EnablePolicy re-activates a kernel policy by name.
type EnablePolicy struct{}

func (*EnablePolicy) Name() string { return "enable_policy" }

func (*EnablePolicy) Execute(_ context.Context, rt *Runtime, target string) (string, error) {
	name := strings.TrimSpace(target)
	if name == "" {
		return "", protocol.NewError(protocol.KindBadInput, "policy", "policy name cannot be empty")
	}

	// Empty ActivePolicies already means "all enabled".
	if len(rt.State.ActivePolicies) == 0 {
		return fmt.Sprintf("Policy %s is already active.", name), nil
	}
	for _, p := range rt.State.ActivePolicies {
		if strings.EqualFold(p, name) {
			return fmt.Sprintf("Policy %s is already active.", name), nil
		}
	}
	rt.State.ActivePolicies = append(rt.State.ActivePolicies, name)
	return fmt.Sprintf("Policy %s enabled.", name), nil
}

// DisablePolicy deactivates a kernel policy by name.
type DisablePolicy struct{}

func (*DisablePolicy) Name() string { return "disable_policy" }

func (*DisablePolicy) Execute(_ context.Context, rt *Runtime, target string) (string, error) {
	name := strings.TrimSpace(target)
	if name == "" {
		return "", protocol.NewError(protocol.KindBadInput, "policy", "policy name cannot be empty")
	}

	// An empty list means everything is active, so materialize it minus the
	// disabled one.
	if len(rt.State.ActivePolicies) == 0 {
		for _, p := range allPolicyNames() {
			if !strings.EqualFold(p, name) {
				rt.State.ActivePolicies = append(rt.State.ActivePolicies, p)
			}
		}
		return fmt.Sprintf("Policy %s disabled.", name), nil
	}

	kept := rt.State.ActivePolicies[:0]
	for _, p := range rt.State.ActivePolicies {
		if !strings.EqualFold(p, name) {
			kept = append(kept, p)
		}
	}
	rt.State.ActivePolicies = kept
	return fmt.Sprintf("Policy %s disabled.", name), nil
}

// HaltAndAsk terminates the loop and surfaces the message to the operator.
type HaltAndAsk struct{}

func (*HaltAndAsk) Name() string { return "halt_and_ask" }

func (*HaltAndAsk) Execute(_ context.Context, _ *Runtime, target string) (string, error) {
	return strings.TrimSpace(target), nil
}
