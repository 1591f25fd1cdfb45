package schema

import "fmt"

// Validate checks a decoded JSON value against a normalized node. Used on
// the decode-after-the-fact fallback path; guided decoding enforces the
// schema at generation time and does not need this.
func Validate(n *Node, value any) error {
	return validateAt(n, value, "")
}

func validateAt(n *Node, value any, path string) error {
	switch n.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return typeMismatch(path, "object", value)
		}
		for _, req := range n.Required {
			if _, ok := obj[req]; !ok {
				return &Error{Code: "missing_key", Path: childPath(path, req), Message: fmt.Sprintf("required property %q absent", req)}
			}
		}
		for key, v := range obj {
			sub, ok := n.Properties[key]
			if !ok {
				if n.AdditionalProperties != nil && !*n.AdditionalProperties {
					return &Error{Code: "unexpected_key", Path: childPath(path, key), Message: fmt.Sprintf("property %q not allowed", key)}
				}
				continue
			}
			if err := validateAt(sub, v, childPath(path, key)); err != nil {
				return err
			}
		}
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return typeMismatch(path, "array", value)
		}
		for i, item := range arr {
			if err := validateAt(n.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case "string":
		s, ok := value.(string)
		if !ok {
			return typeMismatch(path, "string", value)
		}
		if len(n.Enum) > 0 {
			for _, e := range n.Enum {
				if e == s {
					return nil
				}
			}
			return &Error{Code: "enum_mismatch", Path: path, Message: fmt.Sprintf("%q not in enum", s)}
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return typeMismatch(path, "integer", value)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return typeMismatch(path, "number", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return typeMismatch(path, "boolean", value)
		}
	}
	return nil
}

func typeMismatch(path, want string, got any) *Error {
	return &Error{Code: "type_mismatch", Path: path, Message: fmt.Sprintf("expected %s, got %T", want, got)}
}
