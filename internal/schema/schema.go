// Package schema converts external JSON-Schema-like descriptions into the
// strict internal form used for guided generation. Anything it cannot map
// safely is rejected; callers then fall back to prompt injection plus
// after-the-fact validation.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Error reports why a schema (or one of its nested nodes) could not be
// normalized. Path is dotted from the root, e.g. "items.properties.name".
type Error struct {
	Code    string
	Path    string
	Message string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func errUnsupportedType(path, typ string) *Error {
	return &Error{Code: "unsupported_type", Path: path, Message: fmt.Sprintf("unsupported schema type %q", typ)}
}

func errUnknownType(path string) *Error {
	return &Error{Code: "unknown_type", Path: path, Message: "schema node has no type and none could be inferred"}
}

func errMissingKey(path, key string) *Error {
	return &Error{Code: "missing_key", Path: path, Message: fmt.Sprintf("missing key %q", key)}
}

// Node is one normalized schema node. The supported types are object,
// array, string, integer, number and boolean. Marshalling a Node yields a
// schema that normalizes back to the identical Node.
type Node struct {
	Type                 string           `json:"type"`
	Description          string           `json:"description,omitempty"`
	Properties           map[string]*Node `json:"properties,omitempty"`
	Required             []string         `json:"required,omitempty"`
	AdditionalProperties *bool            `json:"additionalProperties,omitempty"`
	Items                *Node            `json:"items,omitempty"`
	Enum                 []string         `json:"enum,omitempty"`
}

// Normalize parses raw as a schema and returns the strict internal form.
func Normalize(raw json.RawMessage) (*Node, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &Error{Code: "invalid_schema", Message: "schema is not a JSON object"}
	}
	return normalizeNode(m, "")
}

func normalizeNode(m map[string]any, path string) (*Node, error) {
	typ, _ := m["type"].(string)
	if typ == "" {
		switch {
		case m["properties"] != nil:
			typ = "object"
		case m["items"] != nil:
			typ = "array"
		case m["enum"] != nil:
			typ = "string"
		default:
			return nil, errUnknownType(path)
		}
	}

	n := &Node{Type: typ}
	if d, ok := m["description"].(string); ok {
		n.Description = d
	}

	switch typ {
	case "object":
		props, _ := m["properties"].(map[string]any)
		if len(props) > 0 {
			n.Properties = make(map[string]*Node, len(props))
			for name, sub := range props {
				subMap, ok := sub.(map[string]any)
				if !ok {
					return nil, &Error{Code: "invalid_schema", Path: childPath(path, "properties."+name), Message: "property schema is not an object"}
				}
				child, err := normalizeNode(subMap, childPath(path, "properties."+name))
				if err != nil {
					return nil, err
				}
				n.Properties[name] = child
			}
		}
		// Strictness default: every declared property is required unless the
		// schema says otherwise.
		if req, ok := m["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					n.Required = append(n.Required, s)
				}
			}
		} else {
			for name := range n.Properties {
				n.Required = append(n.Required, name)
			}
		}
		sort.Strings(n.Required)
		addl := false
		if b, ok := m["additionalProperties"].(bool); ok {
			addl = b
		}
		n.AdditionalProperties = &addl

	case "array":
		items, ok := m["items"].(map[string]any)
		if !ok {
			return nil, errMissingKey(path, "items")
		}
		child, err := normalizeNode(items, childPath(path, "items"))
		if err != nil {
			return nil, err
		}
		n.Items = child

	case "string":
		if enum, ok := m["enum"].([]any); ok {
			for _, e := range enum {
				if s, ok := e.(string); ok {
					n.Enum = append(n.Enum, s)
				}
			}
		}

	case "integer", "number", "boolean":
		// Scalar leaves carry no further structure.

	default:
		return nil, errUnsupportedType(path, typ)
	}

	return n, nil
}

func childPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// Describe renders a node as compact schema text suitable for injecting
// into a prompt when guided decoding is unavailable.
func Describe(n *Node) string {
	b, err := json.Marshal(n)
	if err != nil {
		return ""
	}
	return string(b)
}
