package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func lookupMap(env map[string]string) func(string) string {
	return func(name string) string { return env[name] }
}

func TestExpandString(t *testing.T) {
	env := map[string]string{
		"CONTEXT7_API_KEY": "ctx7sk-abc",
		"HOME_DIR":         "/home/user",
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"braced", "${CONTEXT7_API_KEY}", "ctx7sk-abc"},
		{"bare", "$CONTEXT7_API_KEY", "ctx7sk-abc"},
		{"unset braced", "${MISSING_VAR}", ""},
		{"unset bare", "$MISSING_VAR", ""},
		{"embedded", "Bearer ${CONTEXT7_API_KEY}", "Bearer ctx7sk-abc"},
		{"multiple", "${HOME_DIR}:${HOME_DIR}/bin", "/home/user:/home/user/bin"},
		{"lowercase not a ref", "$notavar", "$notavar"},
		{"lone dollar", "cost: $5", "cost: $5"},
		{"no refs", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandString(tt.input, lookupMap(env)))
		})
	}
}

func TestExpandDocumentHeaders(t *testing.T) {
	env := map[string]string{"CONTEXT7_API_KEY": "ctx7sk-abc"}
	raw := []byte(`{"headers":{"CONTEXT7_API_KEY":"${CONTEXT7_API_KEY}"}}`)

	out, err := expandDocument(raw, lookupMap(env))
	require.NoError(t, err)

	var doc map[string]map[string]string
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "ctx7sk-abc", doc["headers"]["CONTEXT7_API_KEY"])
}

func TestExpandDocumentPreservesNonStrings(t *testing.T) {
	raw := []byte(`{"timeoutMs":60000,"enabled":true,"ratio":0.25,"note":null,"args":["$X",1,false]}`)

	out, err := expandDocument(raw, lookupMap(map[string]string{"X": "x"}))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, float64(60000), doc["timeoutMs"])
	assert.Equal(t, true, doc["enabled"])
	assert.Equal(t, 0.25, doc["ratio"])
	assert.Nil(t, doc["note"])
	assert.Equal(t, []any{"x", float64(1), false}, doc["args"].([]any))
}

func TestExpandStringProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[A-Z_][A-Z0-9_]{0,8}`).Draw(t, "name")
		value := rapid.StringMatching(`[a-z0-9./-]{0,12}`).Draw(t, "value")
		env := map[string]string{name: value}

		assert.Equal(t, value, ExpandString("${"+name+"}", lookupMap(env)))
		assert.Equal(t, "", ExpandString("${"+name+"}", lookupMap(map[string]string{})))

		// Strings without any reference pass through byte-for-byte.
		plain := rapid.StringMatching(`[a-z ]{0,20}`).Draw(t, "plain")
		assert.Equal(t, plain, ExpandString(plain, lookupMap(env)))
	})
}
