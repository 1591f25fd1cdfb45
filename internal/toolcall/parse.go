package toolcall

import (
	"encoding/json"
	"strings"

	"ondevice-gateway/internal/canonical"
)

// Parse recovers tool calls from raw model text. Three strategies are tried
// in order; the first that yields a decodable envelope wins:
//
//  1. direct parse of the text (code fences stripped, one level of JSON
//     string escaping removed),
//  2. the escaped-quote repair pass followed by a re-parse,
//  3. a loose scan that recovers just the tool_calls array without parsing
//     the whole document.
//
// Entries naming a tool that was not declared are dropped silently. The
// second return reports whether a tool_calls key was present at all, which
// the engine uses to pick the finish reason when zero calls survive.
func Parse(text string, tools []canonical.Tool) ([]canonical.ToolCall, bool) {
	cleaned := stripFences(unescapeOnce(text))
	sawEnvelope := strings.Contains(text, `"tool_calls"`) || strings.Contains(cleaned, `"tool_calls"`)

	if entries, ok := decodeEnvelope(cleaned); ok {
		return resolveEntries(entries, tools), true
	}
	if !sawEnvelope {
		return nil, false
	}

	if entries, ok := decodeEnvelope(RepairEscapes(cleaned)); ok {
		return resolveEntries(entries, tools), true
	}

	if entries, ok := looseScan(cleaned); ok {
		return resolveEntries(entries, tools), true
	}
	if entries, ok := looseScan(text); ok {
		return resolveEntries(entries, tools), true
	}
	return nil, true
}

// decodeEnvelope parses text as a JSON document and pulls out a top-level
// tool_calls array.
func decodeEnvelope(text string) ([]any, bool) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, false
	}
	entries, ok := doc["tool_calls"].([]any)
	if !ok {
		return nil, false
	}
	return entries, true
}

// looseScan finds the tool_calls array inside arbitrary surrounding text and
// decodes just that slice.
func looseScan(text string) ([]any, bool) {
	key := strings.Index(text, `"tool_calls"`)
	if key < 0 {
		return nil, false
	}
	open := strings.Index(text[key:], "[")
	if open < 0 {
		return nil, false
	}
	open += key
	end := matchBracket(text, open)
	if end < 0 {
		return nil, false
	}
	candidate := text[open : end+1]

	var entries []any
	if err := json.Unmarshal([]byte(candidate), &entries); err == nil {
		return entries, true
	}
	if err := json.Unmarshal([]byte(RepairEscapes(candidate)), &entries); err == nil {
		return entries, true
	}
	return nil, false
}

// matchBracket returns the index of the ] matching the [ at open, tracking
// string literals so brackets inside strings do not count.
func matchBracket(text string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(text); i++ {
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
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func resolveEntries(entries []any, tools []canonical.Tool) []canonical.ToolCall {
	declared := make(map[string]bool, len(tools))
	for _, t := range tools {
		declared[t.Name] = true
	}

	var calls []canonical.ToolCall
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		name, args := entryNameArgs(entry)
		if name == "" || !declared[name] {
			// One bad entry must not invalidate the rest of the plan.
			continue
		}
		argJSON, ok := canonicalizeArgs(args)
		if !ok {
			continue
		}
		calls = append(calls, canonical.ToolCall{
			ID:        NewCallID(),
			Name:      name,
			Arguments: argJSON,
		})
	}
	return calls
}

// entryNameArgs accepts both the flat {"name","arguments"} shape the prompt
// asks for and the OpenAI {"function":{"name","arguments"}} shape models
// sometimes emit anyway.
func entryNameArgs(entry map[string]any) (string, any) {
	if fn, ok := entry["function"].(map[string]any); ok {
		name, _ := fn["name"].(string)
		return name, fn["arguments"]
	}
	name, _ := entry["name"].(string)
	if args, ok := entry["arguments"]; ok {
		return name, args
	}
	return name, entry["parameters"]
}

// canonicalizeArgs re-serializes the argument payload, unwrapping the
// spurious one-level "properties" wrapper some models copy from the schema.
func canonicalizeArgs(args any) (string, bool) {
	switch v := args.(type) {
	case nil:
		return "{}", true
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			if err := json.Unmarshal([]byte(RepairEscapes(v)), &decoded); err != nil {
				return "", false
			}
		}
		return canonicalizeArgs(decoded)
	case map[string]any:
		if len(v) == 1 {
			if inner, ok := v["properties"].(map[string]any); ok {
				v = inner
			}
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// unescapeOnce handles output that arrives as a JSON-encoded string of the
// real payload.
func unescapeOnce(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, `"`) || !strings.HasSuffix(trimmed, `"`) {
		return text
	}
	var inner string
	if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
		return text
	}
	return inner
}

func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		// Drop a language tag like ```json.
		first := strings.TrimSpace(trimmed[:nl])
		if len(first) <= 8 && !strings.ContainsAny(first, "{}[]") {
			trimmed = trimmed[nl+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
