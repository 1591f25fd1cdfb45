package normalize

import (
	"strings"

	"ondevice-gateway/internal/canonical"
)

// toolChoiceKeywords are the imperative verbs that make the single-tool
// inference fire. Tuned against observed model traffic; not load-bearing for
// validation.
var toolChoiceKeywords = []string{"call", "invoke", "use", "run"}

// InferToolChoice applies a narrow policy: when the caller declared exactly
// one tool and left tool_choice unset, a last user message that either names
// the tool or contains one of toolChoiceKeywords is treated as
// tool_choice={"function": name}. The inference is soft; callers drop it
// silently if it later proves inapplicable.
func InferToolChoice(req canonical.Request) (canonical.ToolChoice, bool) {
	if len(req.Tools) != 1 {
		return canonical.ToolChoice{}, false
	}
	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == canonical.RoleUser {
			lastUser = req.Messages[i].Content
			break
		}
	}
	if lastUser == "" {
		return canonical.ToolChoice{}, false
	}
	text := strings.ToLower(lastUser)
	name := req.Tools[0].Name
	if name != "" && strings.Contains(text, strings.ToLower(name)) {
		return canonical.ToolChoice{Mode: canonical.ToolChoiceFunction, FunctionName: name}, true
	}
	for _, kw := range toolChoiceKeywords {
		if containsWord(text, kw) {
			return canonical.ToolChoice{Mode: canonical.ToolChoiceFunction, FunctionName: name}, true
		}
	}
	return canonical.ToolChoice{}, false
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isLetter(text[start-1])
		afterOK := end == len(text) || !isLetter(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
