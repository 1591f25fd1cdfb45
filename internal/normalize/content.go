package normalize

import (
	"encoding/json"
	"strings"
)

// ContentText flattens an inbound message content field to plain text.
// Content may be a string, null, or an array of typed parts; only text
// parts contribute.
func ContentText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var parts []string
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if m["type"] == "text" || m["type"] == nil {
				if t, ok := m["text"].(string); ok {
					parts = append(parts, t)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		j, _ := json.Marshal(v)
		return string(j)
	}
}

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
