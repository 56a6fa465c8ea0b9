package proposer

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/B-A-M-N/amnesic/pkg/protocol"
)

// The healer recovers a Proposal from whatever the model actually produced.
// Layers run in order from cheapest to most speculative; the first one that
// yields a usable tool call wins.

var (
	reasoningTags = regexp.MustCompile(`(?s)<(think|thinking|reasoning|scratchpad)>.*?</(think|thinking|reasoning|scratchpad)>`)
	codeFence     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

	singleQuoteKey = regexp.MustCompile(`'([^']*)'\s*:`)
	singleQuoteVal = regexp.MustCompile(`:\s*'([^']*)'`)

	prosePattern = regexp.MustCompile(`(?im)^\s*(?:\*\*)?(TOOL[ _]?CALL|TOOL|TARGET|CONTENT|THOUGHT(?:[ _]?PROCESS)?)(?:\*\*)?\s*[:=]\s*(.+)$`)
	callPattern  = regexp.MustCompile(`(?m)^\s*([a-z_]+)\s*\(\s*(.*?)\s*\)\s*$`)
	bareCall     = regexp.MustCompile(`(?m)^\s*(stage_context|unstage_context|save_artifact|stage_artifact|stage_multiple_artifacts|delete_artifact|query_sidecar|edit_file|write_file|calculate|verify_step|compare_files|switch_strategy|set_audit_policy|enable_policy|disable_policy|halt_and_ask)\s+(.+)$`)
)

// Heal parses a model reply into a Proposal, trying each repair layer in
// turn. The returned error describes the last failure when every layer is
// exhausted.
func Heal(raw string) (*protocol.Proposal, error) {
	text := stripReasoning(raw)

	if p, err := parseJSON(text); err == nil {
		return p, nil
	}

	if block, ok := balancedBlock(text); ok {
		if p, err := parseJSON(block); err == nil {
			return p, nil
		}
		if p, err := parseJSON(normalizeQuotes(block)); err == nil {
			return p, nil
		}
	}

	if p, err := parseJSON(normalizeQuotes(text)); err == nil {
		return p, nil
	}

	if p, ok := parseProse(text); ok {
		return p, nil
	}

	if p, ok := parseCallSyntax(text); ok {
		return p, nil
	}

	return nil, protocol.NewError(protocol.KindModelProtocolFailure, "",
		"reply is not a tool call in any recognized form: %s", snippet(raw))
}

// stripReasoning removes hidden-reasoning tags and unwraps code fences.
func stripReasoning(raw string) string {
	text := reasoningTags.ReplaceAllString(raw, "")
	if m := codeFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	return strings.TrimSpace(text)
}

func parseJSON(text string) (*protocol.Proposal, error) {
	var generic map[string]any
	if err := json.Unmarshal([]byte(text), &generic); err != nil {
		return nil, err
	}
	return decodeProposal(generic)
}

// decodeProposal maps loosely named keys onto the Proposal shape.
func decodeProposal(generic map[string]any) (*protocol.Proposal, error) {
	cleaned := make(map[string]any, len(generic))
	var content string
	for k, v := range generic {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), " ", "_")
		switch key {
		case "tool", "action", "tool_name":
			key = "tool_call"
		case "thought", "thoughts", "reasoning":
			key = "thought_process"
		case "content", "value":
			if s, ok := v.(string); ok {
				content = s
			}
			continue
		}
		cleaned[key] = v
	}

	var p protocol.Proposal
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(cleaned); err != nil {
		return nil, err
	}

	p.ToolCall = strings.TrimSpace(p.ToolCall)
	p.Target = strings.TrimSpace(p.Target)
	if content != "" {
		if p.Target != "" {
			p.Target = p.Target + ": " + content
		} else {
			p.Target = content
		}
	}
	if p.ToolCall == "" {
		return nil, protocol.NewError(protocol.KindModelProtocolFailure, "", "missing tool_call")
	}
	return &p, nil
}

// balancedBlock extracts the first balanced top-level {...} region.
func balancedBlock(text string) (string, bool) {
	start := strings.Index(text, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// normalizeQuotes converts pythonic JSON: single-quoted strings and
// True/False/None literals.
func normalizeQuotes(text string) string {
	text = singleQuoteKey.ReplaceAllString(text, `"$1":`)
	text = singleQuoteVal.ReplaceAllString(text, `: "$1"`)
	text = strings.ReplaceAll(text, ": True", ": true")
	text = strings.ReplaceAll(text, ": False", ": false")
	text = strings.ReplaceAll(text, ": None", ": null")
	return text
}

// parseProse recovers key/value replies like "TOOL CALL: save_artifact".
func parseProse(text string) (*protocol.Proposal, bool) {
	matches := prosePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, false
	}

	var p protocol.Proposal
	var content string
	for _, m := range matches {
		key := strings.ReplaceAll(strings.ToUpper(m[1]), " ", "_")
		value := strings.TrimSpace(m[2])
		switch key {
		case "TOOL_CALL", "TOOL":
			p.ToolCall = strings.Trim(value, "`\"'")
		case "TARGET":
			p.Target = strings.Trim(value, "`\"'")
		case "CONTENT":
			content = value
		case "THOUGHT", "THOUGHT_PROCESS":
			p.ThoughtProcess = value
		}
	}
	if content != "" {
		if p.Target != "" {
			p.Target = p.Target + ": " + content
		} else {
			p.Target = content
		}
	}
	if p.ToolCall == "" {
		return nil, false
	}
	return &p, true
}

// parseCallSyntax recovers direct invocations: tool(arg) or "tool arg".
func parseCallSyntax(text string) (*protocol.Proposal, bool) {
	if m := callPattern.FindStringSubmatch(text); m != nil {
		return &protocol.Proposal{
			ToolCall: m[1],
			Target:   strings.Trim(m[2], "`\"'"),
		}, true
	}
	if m := bareCall.FindStringSubmatch(text); m != nil {
		return &protocol.Proposal{
			ToolCall: m[1],
			Target:   strings.TrimSpace(m[2]),
		}, true
	}
	return nil, false
}

func snippet(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > 120 {
		raw = raw[:120] + "..."
	}
	return raw
}
