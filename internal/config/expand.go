package config

import (
	"bytes"
	"encoding/json"
	"regexp"
)

// Environment references take the form ${NAME} or $NAME where NAME matches
// [A-Z_][A-Z0-9_]*. An unset variable expands to the empty string.
var envRefPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}|\$([A-Z_][A-Z0-9_]*)`)

// ExpandString substitutes environment references inside a single string.
func ExpandString(s string, lookup func(string) string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envRefPattern.FindStringSubmatch(match)
		if name[1] != "" {
			return lookup(name[1])
		}
		return lookup(name[2])
	})
}

// expandValue walks a decoded JSON tree and expands every string leaf in
// place. Non-string leaves (numbers, booleans, null) are preserved.
func expandValue(v any, lookup func(string) string) any {
	switch val := v.(type) {
	case string:
		return ExpandString(val, lookup)
	case map[string]any:
		for k, item := range val {
			val[k] = expandValue(item, lookup)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = expandValue(item, lookup)
		}
		return val
	default:
		return v
	}
}

// expandDocument expands every string value in a raw JSON document and
// returns the re-encoded bytes. Numbers keep their original text.
func expandDocument(raw []byte, lookup func(string) string) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var tree any
	if err := decoder.Decode(&tree); err != nil {
		return nil, err
	}
	tree = expandValue(tree, lookup)
	return json.Marshal(tree)
}
