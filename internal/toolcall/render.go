// Package toolcall renders the tool catalog shown to the model and parses
// tool invocations back out of raw model text, repairing the common ways a
// model mangles the JSON envelope.
package toolcall

import (
	"fmt"
	"strings"

	"ondevice-gateway/internal/canonical"
)

// Render produces the instruction block appended to the model prompt. For
// tool_choice none the catalog is omitted entirely and tool use is disabled
// with a single instruction.
func Render(tools []canonical.Tool, choice canonical.ToolChoice) string {
	if choice.Mode == canonical.ToolChoiceNone {
		return "Do not call any tools or functions. Answer the user directly in plain text."
	}
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You have access to the following tools:\n\n")
	for _, t := range tools {
		b.WriteString("- ")
		b.WriteString(t.Name)
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(t.Description)
		}
		b.WriteString("\n")
		if len(t.Parameters) > 0 {
			fmt.Fprintf(&b, "  parameters (JSON schema): %s\n", string(t.Parameters))
		}
	}
	b.WriteString("\nDecide whether the user's request needs a tool. ")
	switch choice.Mode {
	case canonical.ToolChoiceRequired:
		b.WriteString("You must call at least one tool. ")
	case canonical.ToolChoiceFunction:
		fmt.Fprintf(&b, "You must call exactly the function %q. ", choice.FunctionName)
	default:
		b.WriteString("If no tool is needed, answer in plain text. ")
	}
	b.WriteString("To call tools, respond with ONLY a JSON object of this exact shape:\n")
	b.WriteString(`{"tool_calls":[{"name":"<tool name>","arguments":{<arguments matching the tool's schema>}}]}`)
	b.WriteString("\nDo not wrap the JSON in markdown fences or add commentary around it.")
	return b.String()
}
