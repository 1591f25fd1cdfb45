package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeObject(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"city": {"type": "string", "description": "city name"},
			"days": {"type": "integer"}
		}
	}`)
	n, err := Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, "object", n.Type)
	require.Equal(t, "string", n.Properties["city"].Type)
	require.Equal(t, "city name", n.Properties["city"].Description)

	// Unstated required means all properties, sorted.
	require.Equal(t, []string{"city", "days"}, n.Required)
	require.NotNil(t, n.AdditionalProperties)
	require.False(t, *n.AdditionalProperties)
}

func TestNormalizeExplicitRequired(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {"a": {"type": "string"}, "b": {"type": "string"}},
		"required": ["b"]
	}`)
	n, err := Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, n.Required)
}

func TestNormalizeTypeInference(t *testing.T) {
	cases := map[string]string{
		`{"properties": {"x": {"type": "string"}}}`: "object",
		`{"items": {"type": "integer"}}`:            "array",
		`{"enum": ["a", "b"]}`:                      "string",
	}
	for raw, want := range cases {
		n, err := Normalize(json.RawMessage(raw))
		require.NoError(t, err, raw)
		require.Equal(t, want, n.Type, raw)
	}
}

func TestNormalizeArrayWithoutItems(t *testing.T) {
	_, err := Normalize(json.RawMessage(`{"type": "array"}`))
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, "missing_key", serr.Code)
}

func TestNormalizeUnsupportedType(t *testing.T) {
	_, err := Normalize(json.RawMessage(`{"type": "object", "properties": {"x": {"type": "date"}}}`))
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, "unsupported_type", serr.Code)
	require.Equal(t, "properties.x", serr.Path)
}

func TestNormalizeIdempotent(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"tags": {"type": "array", "items": {"type": "string"}},
			"status": {"type": "string", "enum": ["open", "closed"]}
		}
	}`)
	first, err := Normalize(raw)
	require.NoError(t, err)

	again, err := Normalize(json.RawMessage(Describe(first)))
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestValidateRequiredAndExtra(t *testing.T) {
	n, err := Normalize(json.RawMessage(`{
		"type": "object",
		"properties": {"city": {"type": "string"}}
	}`))
	require.NoError(t, err)

	require.NoError(t, Validate(n, map[string]any{"city": "Tokyo"}))
	require.Error(t, Validate(n, map[string]any{}))
	require.Error(t, Validate(n, map[string]any{"city": "Tokyo", "extra": 1}))
	require.Error(t, Validate(n, map[string]any{"city": 42}))
}

func TestValidateEnumAndInteger(t *testing.T) {
	n, err := Normalize(json.RawMessage(`{
		"type": "object",
		"properties": {
			"status": {"type": "string", "enum": ["open", "closed"]},
			"count": {"type": "integer"}
		}
	}`))
	require.NoError(t, err)

	require.NoError(t, Validate(n, map[string]any{"status": "open", "count": float64(3)}))
	require.Error(t, Validate(n, map[string]any{"status": "pending", "count": float64(3)}))
	require.Error(t, Validate(n, map[string]any{"status": "open", "count": 3.5}))
}
