package engine

import (
	"strings"

	"ondevice-gateway/internal/canonical"
	"ondevice-gateway/internal/toolcall"
)

// BuildPrompt renders the canonical request into the single prompt string
// handed to the runtime: instructions first, then the transcript of prior
// turns, then the live turn with a trailing assistant cue.
func BuildPrompt(req canonical.Request) string {
	var b strings.Builder

	if instr := buildInstructions(req); instr != "" {
		b.WriteString(instr)
		b.WriteString("\n\n")
	}

	for _, m := range req.Messages[:len(req.Messages)-1] {
		if m.Role == canonical.RoleSystem {
			continue
		}
		b.WriteString(renderTurn(m))
		b.WriteString("\n")
	}

	b.WriteString(renderTurn(req.LastMessage()))
	b.WriteString("\nAssistant:")
	return b.String()
}

// buildInstructions concatenates system message contents, the tool
// instruction block, and the answer-from-tool-result directive when the
// live turn is a tool result.
func buildInstructions(req canonical.Request) string {
	var parts []string
	for _, m := range req.Messages {
		if m.Role == canonical.RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}

	// Schema-constrained requests suppress the tool block; the two paths do
	// not combine.
	if req.ResponseFormat.Type == canonical.FormatNone {
		if block := toolcall.Render(req.Tools, req.ToolChoice); block != "" {
			parts = append(parts, block)
		}
	}

	if req.LastMessage().Role == canonical.RoleTool {
		parts = append(parts, "A tool has already been executed and its result follows. Answer the user from that result. Do not call any further tools.")
	}
	return strings.Join(parts, "\n\n")
}

func renderTurn(m canonical.Message) string {
	switch m.Role {
	case canonical.RoleUser:
		return "User: " + m.Content
	case canonical.RoleAssistant:
		if len(m.ToolCalls) > 0 {
			var b strings.Builder
			b.WriteString("Assistant:")
			for _, tc := range m.ToolCalls {
				b.WriteString(" [called " + tc.Name + " with arguments " + tc.Arguments + "]")
			}
			if m.Content != "" {
				b.WriteString(" " + m.Content)
			}
			return b.String()
		}
		return "Assistant: " + m.Content
	case canonical.RoleTool:
		label := "Tool result"
		if m.Name != "" {
			label += " from " + m.Name
		} else if m.ToolCallID != "" {
			label += " for " + m.ToolCallID
		}
		return label + ": " + m.Content
	default:
		return m.Role + ": " + m.Content
	}
}
