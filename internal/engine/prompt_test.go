package engine

import (
	"strings"
	"testing"

	"ondevice-gateway/internal/canonical"
)

func TestBuildPromptBasic(t *testing.T) {
	req := canonical.Request{
		Messages: []canonical.Message{
			{Role: canonical.RoleSystem, Content: "Be brief."},
			{Role: canonical.RoleUser, Content: "First question"},
			{Role: canonical.RoleAssistant, Content: "First answer"},
			{Role: canonical.RoleUser, Content: "Second question"},
		},
	}
	prompt := BuildPrompt(req)

	if !strings.HasPrefix(prompt, "Be brief.") {
		t.Fatalf("system prompt not first:\n%s", prompt)
	}
	if !strings.HasSuffix(prompt, "Assistant:") {
		t.Fatalf("missing assistant cue:\n%s", prompt)
	}
	for _, want := range []string{"User: First question", "Assistant: First answer", "User: Second question"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("missing %q:\n%s", want, prompt)
		}
	}
	if strings.Index(prompt, "First question") > strings.Index(prompt, "Second question") {
		t.Fatalf("turn order wrong:\n%s", prompt)
	}
}

func TestBuildPromptToolBlock(t *testing.T) {
	req := canonical.Request{
		Messages:   []canonical.Message{{Role: canonical.RoleUser, Content: "weather?"}},
		Tools:      []canonical.Tool{{Name: "get_weather", Description: "look up weather"}},
		ToolChoice: canonical.ToolChoice{Mode: canonical.ToolChoiceAuto},
	}
	prompt := BuildPrompt(req)
	if !strings.Contains(prompt, "get_weather") || !strings.Contains(prompt, `"tool_calls"`) {
		t.Fatalf("tool catalog missing:\n%s", prompt)
	}
}

func TestBuildPromptSchemaSuppressesToolBlock(t *testing.T) {
	req := canonical.Request{
		Messages:       []canonical.Message{{Role: canonical.RoleUser, Content: "weather?"}},
		Tools:          []canonical.Tool{{Name: "get_weather"}},
		ToolChoice:     canonical.ToolChoice{Mode: canonical.ToolChoiceAuto},
		ResponseFormat: canonical.ResponseFormat{Type: canonical.FormatJSONObject},
	}
	prompt := BuildPrompt(req)
	if strings.Contains(prompt, "get_weather") {
		t.Fatalf("tool catalog leaked into schema-constrained prompt:\n%s", prompt)
	}
}

func TestBuildPromptToolResultTurn(t *testing.T) {
	req := canonical.Request{
		Messages: []canonical.Message{
			{Role: canonical.RoleUser, Content: "weather in Tokyo?"},
			{Role: canonical.RoleAssistant, ToolCalls: []canonical.ToolCall{{
				ID: "call_abc", Name: "get_weather", Arguments: `{"city":"Tokyo"}`,
			}}},
			{Role: canonical.RoleTool, Name: "get_weather", Content: `{"temp_c":22}`},
		},
	}
	prompt := BuildPrompt(req)
	if !strings.Contains(prompt, "[called get_weather with arguments") {
		t.Fatalf("assistant call turn missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Tool result from get_weather:") {
		t.Fatalf("tool result turn missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Do not call any further tools") {
		t.Fatalf("tool-result directive missing:\n%s", prompt)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                              `{"a":1}`,
		"```json\n{\"a\":1}\n```":              `{"a":1}`,
		`Sure! Here it is: {"a":1} hope that helps`: `{"a":1}`,
		`[1,2,3] trailing`:                     `[1,2,3]`,
	}
	for in, want := range cases {
		if got := extractJSON(in); got != want {
			t.Fatalf("extractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}
