package engine

import (
	"encoding/json"
	"strings"
)

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// extractJSON pulls the first complete JSON value out of free-form model
// text. Used on the prompt-injection fallback path, where the model was only
// asked, not forced, to emit JSON. When nothing extractable is found the
// trimmed text is returned as-is.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if fenced := stripFence(trimmed); fenced != trimmed {
		trimmed = fenced
	}
	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return trimmed
	}
	end := matchJSON(trimmed, start)
	if end < 0 {
		return trimmed
	}
	candidate := trimmed[start : end+1]
	if json.Valid([]byte(candidate)) {
		return candidate
	}
	return trimmed
}

// matchJSON finds the close of the bracket/brace opened at start, string
// literals accounted for.
func matchJSON(text string, start int) int {
	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		head := strings.TrimSpace(text[:nl])
		if len(head) <= 8 && !strings.ContainsAny(head, "{}[]") {
			text = text[nl+1:]
		}
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}
