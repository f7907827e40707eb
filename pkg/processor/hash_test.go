package processor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDocument(t *testing.T) {
	doc := map[string]any{
		"b": map[string]any{
			"e": []any{json.Number("1.5"), true, nil},
			"c": "d",
		},
		"a": json.Number("1"),
	}
	id, err := HashDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, "6bb15284de7688bbbbcfa3beb0bef0d59cefee23", id)
}

func TestHashDocumentIgnoresKeyOrder(t *testing.T) {
	first := map[string]any{}
	second := map[string]any{}
	keys := []string{"project", "extra", "sentry.interfaces.User", "level", "message"}
	for i, k := range keys {
		first[k] = i
	}
	for i := len(keys) - 1; i >= 0; i-- {
		second[keys[i]] = i
	}

	a, err := HashDocument(first)
	require.NoError(t, err)
	b, err := HashDocument(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 40)
}

func TestHashDocumentKeepsMarkup(t *testing.T) {
	id, err := HashDocument(map[string]any{
		"project": "app-{date}",
		"extra":   map[string]any{"k<int>": json.Number("1")},
	})
	require.NoError(t, err)
	assert.Equal(t, "196685b37a7520ae9a622a63606b081553d8a0e9", id)
}
