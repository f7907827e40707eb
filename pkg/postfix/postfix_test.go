package postfix

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    map[string]any
		expected map[string]any
	}{
		{
			name:     "no extra",
			input:    map[string]any{"x": json.Number("1")},
			expected: map[string]any{"x": json.Number("1")},
		},
		{
			name:     "empty extra",
			input:    map[string]any{"x": json.Number("1"), "extra": map[string]any{}},
			expected: map[string]any{"x": json.Number("1"), "extra": map[string]any{}},
		},
		{
			name:     "string",
			input:    map[string]any{"extra": map[string]any{"x": "test"}},
			expected: map[string]any{"extra": map[string]any{"x<string>": "test"}},
		},
		{
			name:     "none",
			input:    map[string]any{"extra": map[string]any{"x": nil}},
			expected: map[string]any{"extra": map[string]any{"x": nil}},
		},
		{
			name:     "empty dict",
			input:    map[string]any{"extra": map[string]any{"x": map[string]any{}}},
			expected: map[string]any{"extra": map[string]any{"x": map[string]any{}}},
		},
		{
			name:     "dict",
			input:    map[string]any{"extra": map[string]any{"x": map[string]any{"y": "test"}}},
			expected: map[string]any{"extra": map[string]any{"x": map[string]any{"y<string>": "test"}}},
		},
		{
			name:     "empty list",
			input:    map[string]any{"extra": map[string]any{"x": []any{}}},
			expected: map[string]any{"extra": map[string]any{"x": []any{}}},
		},
		{
			name:     "list",
			input:    map[string]any{"extra": map[string]any{"x": []any{"string"}}},
			expected: map[string]any{"extra": map[string]any{"x<string>": []any{"string"}}},
		},
		{
			name:  "list with none",
			input: map[string]any{"extra": map[string]any{"x": []any{"string", nil}}},
			expected: map[string]any{"extra": map[string]any{
				"x<string>": []any{"string"},
				"x":         []any{nil},
			}},
		},
		{
			name:  "list with multiple types",
			input: map[string]any{"extra": map[string]any{"x": []any{"string", nil, map[string]any{"a": json.Number("3")}}}},
			expected: map[string]any{"extra": map[string]any{
				"x<string>": []any{"string"},
				"x":         []any{nil, map[string]any{"a<int>": json.Number("3")}},
			}},
		},
		{
			name: "list order",
			input: map[string]any{"extra": map[string]any{"x": []any{
				"string", map[string]any{"a": json.Number("3")}, "string2", map[string]any{"a": "test"},
			}}},
			expected: map[string]any{"extra": map[string]any{
				"x<string>": []any{"string", "string2"},
				"x":         []any{map[string]any{"a<int>": json.Number("3")}, map[string]any{"a<string>": "test"}},
			}},
		},
		{
			name:     "nested list",
			input:    map[string]any{"extra": map[string]any{"x": []any{[]any{"string"}}}},
			expected: map[string]any{"extra": map[string]any{"x<string>": []any{[]any{"string"}}}},
		},
		{
			name:  "multiple type nested list",
			input: map[string]any{"extra": map[string]any{"x": []any{json.Number("1"), []any{"string", json.Number("2")}}}},
			expected: map[string]any{"extra": map[string]any{
				"x<string>": []any{[]any{"string"}},
				"x<int>":    []any{json.Number("1"), []any{json.Number("2")}},
			}},
		},
		{
			name: "sentry message",
			input: map[string]any{"sentry.interfaces.Message": map[string]any{
				"message": "MESSAGE", "params": "PARAMS",
			}},
			expected: map[string]any{"sentry.interfaces.Message": map[string]any{
				"message<string>": "MESSAGE", "params<string>": "PARAMS",
			}},
		},
		{
			name: "sentry message with dict",
			input: map[string]any{"sentry.interfaces.Message": map[string]any{
				"message": "MESSAGE", "params": map[string]any{"p1": "P1"},
			}},
			expected: map[string]any{"sentry.interfaces.Message": map[string]any{
				"message<string>": "MESSAGE", "params": map[string]any{"p1<string>": "P1"},
			}},
		},
		{
			name:     "other fields untouched",
			input:    map[string]any{"project": "app-{date}", "extra": map[string]any{"k": json.Number("1")}},
			expected: map[string]any{"project": "app-{date}", "extra": map[string]any{"k<int>": json.Number("1")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Normalize(tt.input)
			assert.Equal(t, tt.expected, tt.input)
		})
	}
}

func TestNormalizeIsNotIdempotent(t *testing.T) {
	doc := map[string]any{"extra": map[string]any{"x": "test"}}
	Normalize(doc)
	Normalize(doc)
	assert.Equal(t, map[string]any{"extra": map[string]any{"x<string><string>": "test"}}, doc)
}

func TestRetag(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		assert.Equal(t, []Field{{Name: "test_name", Value: nil}}, Retag("test_name", nil))
	})

	t.Run("other", func(t *testing.T) {
		assert.Equal(t, []Field{{Name: "test_name<bool>", Value: true}}, Retag("test_name", true))
	})

	t.Run("empty dict", func(t *testing.T) {
		assert.Equal(t, []Field{{Name: "test_name", Value: map[string]any{}}}, Retag("test_name", map[string]any{}))
	})

	t.Run("dict with items", func(t *testing.T) {
		fields := Retag("test_name", map[string]any{"a": json.Number("1"), "b": json.Number("1.0")})
		assert.Equal(t, []Field{{
			Name:  "test_name",
			Value: map[string]any{"a<int>": json.Number("1"), "b<float>": json.Number("1.0")},
		}}, fields)
	})

	t.Run("dict under tagged name", func(t *testing.T) {
		fields := Retag("x<int>", map[string]any{})
		assert.Equal(t, "x<int><dict>", fields[0].Name)
	})

	t.Run("empty list", func(t *testing.T) {
		assert.Equal(t, []Field{{Name: "test_name", Value: []any{}}}, Retag("test_name", []any{}))
	})

	t.Run("list groups in first seen order", func(t *testing.T) {
		fields := Retag("test_name", []any{json.Number("1"), "a", json.Number("2"), false})
		assert.Equal(t, []Field{
			{Name: "test_name<int>", Value: []any{json.Number("1"), json.Number("2")}},
			{Name: "test_name<string>", Value: []any{"a"}},
			{Name: "test_name<bool>", Value: []any{false}},
		}, fields)
	})
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "int", TypeName(json.Number("42")))
	assert.Equal(t, "float", TypeName(json.Number("4.2")))
	assert.Equal(t, "float", TypeName(json.Number("1e3")))
	assert.Equal(t, "float", TypeName(1.5))
	assert.Equal(t, "int", TypeName(7))
	assert.Equal(t, "bool", TypeName(false))
}
