package tools

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/B-A-M-N/amnesic/pkg/protocol"
	"github.com/B-A-M-N/amnesic/pkg/state"
)

// Calculate runs deterministic arithmetic over numeric artifacts so the
// model never does mental math. Results land in the TOTAL artifact.
type Calculate struct{}

func (*Calculate) Name() string { return "calculate" }

var infixPattern = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*([+\-*/])\s*(-?\d+(?:\.\d+)?)$`)

func (*Calculate) Execute(_ context.Context, rt *Runtime, target string) (string, error) {
	target = strings.TrimSpace(target)

	var (
		op     string
		result float64
		err    error
	)

	switch {
	case strings.EqualFold(target, "SUM_BACKPACK") || target == "":
		op = "ADD"
		result, err = sumNumericArtifacts(rt.State)
		if err != nil {
			return "", err
		}

	case strings.EqualFold(target, "JOIN"):
		return joinArtifacts(rt.State)

	case infixPattern.MatchString(target):
		m := infixPattern.FindStringSubmatch(target)
		a, _ := strconv.ParseFloat(m[1], 64)
		b, _ := strconv.ParseFloat(m[3], 64)
		op = map[string]string{"+": "ADD", "-": "SUB", "*": "MUL", "/": "DIV"}[m[2]]
		if result, err = apply(op, a, b); err != nil {
			return "", err
		}

	default:
		fields := strings.Fields(target)
		if len(fields) < 2 {
			return "", protocol.NewError(protocol.KindBadInput, target,
				"expected SUM_BACKPACK, JOIN, 'a + b' or 'OP operand operand'")
		}
		op = strings.ToUpper(fields[0])
		operands, rerr := resolveOperands(rt.State, fields[1:])
		if rerr != nil {
			return "", rerr
		}
		result = operands[0]
		for _, v := range operands[1:] {
			if result, err = apply(op, result, v); err != nil {
				return "", err
			}
		}
	}

	summary := fmt.Sprintf("Final (%s): %s", op, formatNumber(result))
	if err := rt.State.SaveArtifact(&state.Artifact{
		Identifier: "TOTAL",
		Type:       state.ArtifactResult,
		Summary:    summary,
		Status:     state.StatusCommitted,
	}); err != nil {
		return "", protocol.WrapError(protocol.KindBadInput, "TOTAL", err)
	}
	return summary, nil
}

func apply(op string, a, b float64) (float64, error) {
	switch op {
	case "ADD":
		return a + b, nil
	case "SUB":
		return a - b, nil
	case "MUL":
		return a * b, nil
	case "DIV":
		if b == 0 {
			return 0, protocol.NewError(protocol.KindBadInput, "DIV", "division by zero")
		}
		return a / b, nil
	default:
		return 0, protocol.NewError(protocol.KindBadInput, op, "unknown operation (ADD/SUB/MUL/DIV)")
	}
}

// sumNumericArtifacts adds every numeric non-meta artifact value.
func sumNumericArtifacts(fw *state.FrameworkState) (float64, error) {
	var sum float64
	var counted int
	for _, id := range fw.ArtifactIDs() {
		a, _ := fw.Artifact(id)
		if a.IsMeta() {
			continue
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(a.Summary), 64); err == nil {
			sum += v
			counted++
		}
	}
	if counted == 0 {
		return 0, protocol.NewError(protocol.KindBadInput, "SUM_BACKPACK",
			"no numeric artifacts to sum; save the values first")
	}
	return sum, nil
}

// joinArtifacts concatenates every non-meta artifact into a report.
func joinArtifacts(fw *state.FrameworkState) (string, error) {
	var lines []string
	for _, id := range fw.ArtifactIDs() {
		a, _ := fw.Artifact(id)
		if a.IsMeta() {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", id, a.Summary))
	}
	if len(lines) == 0 {
		return "", protocol.NewError(protocol.KindBadInput, "JOIN", "no artifacts to join")
	}

	summary := "Final (JOIN): " + strings.Join(lines, " | ")
	if err := fw.SaveArtifact(&state.Artifact{
		Identifier: "TOTAL",
		Type:       state.ArtifactResult,
		Summary:    summary,
		Status:     state.StatusCommitted,
	}); err != nil {
		return "", protocol.WrapError(protocol.KindBadInput, "TOTAL", err)
	}
	return summary, nil
}

// resolveOperands maps tokens to numbers, trying literals first and then
// artifact identifiers.
func resolveOperands(fw *state.FrameworkState, tokens []string) ([]float64, error) {
	out := make([]float64, 0, len(tokens))
	for _, tok := range tokens {
		if v, err := strconv.ParseFloat(tok, 64); err == nil {
			out = append(out, v)
			continue
		}
		a, ok := fw.Artifact(tok)
		if !ok {
			return nil, protocol.NewError(protocol.KindNotFound, tok, "operand is neither a number nor an artifact")
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(a.Summary), 64)
		if err != nil {
			return nil, protocol.NewError(protocol.KindBadInput, tok, "artifact value %q is not numeric", a.Summary)
		}
		out = append(out, v)
	}
	return out, nil
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// VerifyStep checks a claim against reality: arithmetic claims are
// recomputed, textual claims must be present in L1 or the artifacts.
type VerifyStep struct{}

func (*VerifyStep) Name() string { return "verify_step" }

var equationPattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*([+\-*/])\s*(-?\d+(?:\.\d+)?)\s*=\s*(-?\d+(?:\.\d+)?)`)

func (*VerifyStep) Execute(_ context.Context, rt *Runtime, target string) (string, error) {
	claim := strings.TrimSpace(target)

	if m := equationPattern.FindStringSubmatch(claim); m != nil {
		a, _ := strconv.ParseFloat(m[1], 64)
		b, _ := strconv.ParseFloat(m[3], 64)
		expected, _ := strconv.ParseFloat(m[4], 64)
		op := map[string]string{"+": "ADD", "-": "SUB", "*": "MUL", "/": "DIV"}[m[2]]
		actual, err := apply(op, a, b)
		if err != nil {
			return "", err
		}
		if math.Abs(actual-expected) > 1e-9 {
			return fmt.Sprintf("VERIFICATION FAILED: %s evaluates to %s.", claim, formatNumber(actual)), nil
		}
		return markVerified(rt.State, claim)
	}

	if claimPresent(rt, claim) {
		return markVerified(rt.State, claim)
	}
	return fmt.Sprintf("VERIFICATION FAILED: %q not found in staged context or artifacts.", claim), nil
}

func claimPresent(rt *Runtime, claim string) bool {
	needle := foldForSearch(claim)
	if needle == "" {
		return false
	}
	if strings.Contains(foldForSearch(rt.Pager.RenderL1()), needle) {
		return true
	}
	for _, id := range rt.State.ArtifactIDs() {
		a, _ := rt.State.Artifact(id)
		if strings.Contains(foldForSearch(id+" "+a.Summary), needle) {
			return true
		}
	}
	return false
}

func foldForSearch(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func markVerified(fw *state.FrameworkState, claim string) (string, error) {
	if err := fw.SaveArtifact(&state.Artifact{
		Identifier: "VERIFICATION",
		Type:       state.ArtifactResult,
		Summary:    claim + " -> VERIFIED",
		Status:     state.StatusVerifiedInvariant,
	}); err != nil {
		return "", protocol.WrapError(protocol.KindBadInput, "VERIFICATION", err)
	}
	return fmt.Sprintf("VERIFIED: %s", claim), nil
}
