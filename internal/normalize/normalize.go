package normalize

import (
	"fmt"
	"strings"

	"ondevice-gateway/internal/canonical"
	openaiproto "ondevice-gateway/internal/proto/openai"
)

// ValidationError is a 4xx-equivalent rejection of an inbound request.
// Code is stable and machine-readable; Param names the offending field
// when there is one.
type ValidationError struct {
	Code    string
	Param   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func errEmptyMessages() *ValidationError {
	return &ValidationError{Code: "empty_messages", Param: "messages", Message: "messages must not be empty"}
}

func errLastMessageRole(role string) *ValidationError {
	return &ValidationError{
		Code:    "last_message_role",
		Param:   "messages",
		Message: fmt.Sprintf("last message must have role user or tool, got %q", role),
	}
}

func errInvalidToolChoice(name string) *ValidationError {
	return &ValidationError{
		Code:    "invalid_tool_choice",
		Param:   "tool_choice",
		Message: fmt.Sprintf("tool_choice names function %q which is not declared in tools", name),
	}
}

// Options tunes normalization behavior.
type Options struct {
	// DefaultModel substitutes for a missing model field.
	DefaultModel string
	// ToolChoiceHeuristic enables the single-tool keyword inference
	// (InferToolChoice). On by default in the server config.
	ToolChoiceHeuristic bool
}

// Normalize converts a wire request into the canonical form, or fails with a
// *ValidationError. Warnings describe accepted-but-degraded input and are
// delivered to the client out-of-band.
func Normalize(req openaiproto.ChatCompletionsRequest, opts Options) (canonical.Request, []string, error) {
	var warnings []string

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = opts.DefaultModel
	}

	if len(req.Messages) == 0 {
		return canonical.Request{}, nil, errEmptyMessages()
	}

	messages := make([]canonical.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		cm := canonical.Message{
			Role:       m.Role,
			Content:    ContentText(m.Content),
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, canonical.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		messages = append(messages, cm)
	}

	last := messages[len(messages)-1]
	if last.Role != canonical.RoleUser && last.Role != canonical.RoleTool {
		return canonical.Request{}, nil, errLastMessageRole(last.Role)
	}

	tools := make([]canonical.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		if t.Type != "" && t.Type != "function" {
			warnings = append(warnings, fmt.Sprintf("tool type %q unsupported, only \"function\" is honored", t.Type))
			continue
		}
		tools = append(tools, canonical.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	choice, err := parseToolChoice(req.ToolChoice)
	if err != nil {
		return canonical.Request{}, nil, err
	}
	if choice.Mode == canonical.ToolChoiceFunction {
		found := false
		for _, t := range tools {
			if t.Name == choice.FunctionName {
				found = true
				break
			}
		}
		if !found {
			return canonical.Request{}, nil, errInvalidToolChoice(choice.FunctionName)
		}
	}

	out := canonical.Request{
		Model:           model,
		Messages:        messages,
		Temperature:     firstFloat(req.Temperature, req.Temp),
		TopK:            req.TopK,
		MaxOutputTokens: firstInt(req.MaxTokens, req.MaxOutputTokens, req.MaxCompletionTokens),
		Tools:           tools,
		ToolChoice:      choice,
		Stream:          req.Stream,
	}

	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "", "text":
		case "json_object":
			out.ResponseFormat = canonical.ResponseFormat{Type: canonical.FormatJSONObject}
		case "json_schema":
			if rf.JSONSchema == nil || len(rf.JSONSchema.Schema) == 0 {
				return canonical.Request{}, nil, &ValidationError{
					Code:    "missing_json_schema",
					Param:   "response_format",
					Message: "response_format type json_schema requires a json_schema.schema",
				}
			}
			strict := false
			if rf.JSONSchema.Strict != nil {
				strict = *rf.JSONSchema.Strict
			}
			out.ResponseFormat = canonical.ResponseFormat{
				Type:   canonical.FormatJSONSchema,
				Name:   rf.JSONSchema.Name,
				Schema: rf.JSONSchema.Schema,
				Strict: strict,
			}
		default:
			warnings = append(warnings, fmt.Sprintf("response_format type %q unsupported, ignoring", rf.Type))
		}
	}

	if opts.ToolChoiceHeuristic && choice.Mode == "" {
		if inferred, ok := InferToolChoice(out); ok {
			out.ToolChoice = inferred
		}
	}
	if out.ToolChoice.Mode == "" {
		out.ToolChoice = canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}
	}

	return out, warnings, nil
}

// parseToolChoice accepts the two wire encodings: a bare string
// ("auto"/"none"/"required") or {"type":"function","function":{"name":...}}.
func parseToolChoice(raw []byte) (canonical.ToolChoice, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return canonical.ToolChoice{}, nil
	}
	if strings.HasPrefix(s, `"`) {
		switch strings.Trim(s, `"`) {
		case "auto":
			return canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}, nil
		case "none":
			return canonical.ToolChoice{Mode: canonical.ToolChoiceNone}, nil
		case "required":
			return canonical.ToolChoice{Mode: canonical.ToolChoiceRequired}, nil
		}
		return canonical.ToolChoice{}, &ValidationError{
			Code:    "invalid_tool_choice",
			Param:   "tool_choice",
			Message: fmt.Sprintf("unrecognized tool_choice %s", s),
		}
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := jsonUnmarshal(raw, &obj); err != nil {
		return canonical.ToolChoice{}, &ValidationError{
			Code:    "invalid_tool_choice",
			Param:   "tool_choice",
			Message: "tool_choice is neither a known string nor a function object",
		}
	}
	if obj.Function.Name == "" {
		return canonical.ToolChoice{}, &ValidationError{
			Code:    "invalid_tool_choice",
			Param:   "tool_choice",
			Message: "tool_choice function object is missing function.name",
		}
	}
	return canonical.ToolChoice{Mode: canonical.ToolChoiceFunction, FunctionName: obj.Function.Name}, nil
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}
