package canonical

import "encoding/json"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Message is one turn of a conversation after normalization. Content is
// already flattened to plain text; multi-part inbound content is joined by
// the normalizer.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// Tool declares a callable function for the duration of one request.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceFunction = "function"
)

// ToolChoice constrains which declared tools may or must be invoked.
// Mode is one of the ToolChoice* constants; FunctionName is set only for
// ToolChoiceFunction.
type ToolChoice struct {
	Mode         string
	FunctionName string
}

const (
	FormatNone       = ""
	FormatJSONObject = "json_object"
	FormatJSONSchema = "json_schema"
)

// ResponseFormat governs whether output must be valid JSON and, for
// FormatJSONSchema, which schema it must conform to.
type ResponseFormat struct {
	Type   string
	Name   string
	Schema json.RawMessage
	Strict bool
}

// Request is the canonical generation request. Built once per inbound call
// by the normalizer and treated as immutable afterwards.
type Request struct {
	Model           string
	Messages        []Message
	Temperature     *float64
	TopK            *int
	MaxOutputTokens int
	ResponseFormat  ResponseFormat
	Tools           []Tool
	ToolChoice      ToolChoice
	Stream          bool
}

// FindTool resolves a declared tool by name. Uniqueness of names is not
// enforced; the last declaration wins.
func (r *Request) FindTool(name string) (Tool, bool) {
	for i := len(r.Tools) - 1; i >= 0; i-- {
		if r.Tools[i].Name == name {
			return r.Tools[i], true
		}
	}
	return Tool{}, false
}

// LastMessage returns the final message, which the engine uses as the live
// prompt. Callers must have validated that Messages is non-empty.
func (r *Request) LastMessage() Message {
	return r.Messages[len(r.Messages)-1]
}

// ToolCall is one recovered function invocation. ID is always generated
// locally, never taken from model output. Arguments is canonical
// (re-serialized) JSON text.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Usage reports token accounting for one completed exchange.
// TotalTokens is always PromptTokens + CompletionTokens.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
