package config

import (
	"slices"
	"strings"
)

// secretFields are the final key segments whose values are masked.
var secretFields = []string{"api_key", "token"}

// IsSecretKey reports whether the dot-separated key holds a credential,
// e.g. "llm.api_key" or "telegram.token".
func IsSecretKey(key string) bool {
	field := key[strings.LastIndexByte(key, '.')+1:]
	return slices.Contains(secretFields, field)
}

// Flatten converts a nested map into a flat map with dot-separated keys.
// For example, {"llm": {"model": "gpt-4"}} becomes {"llm.model": "gpt-4"}.
// Lists are leaves.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten converts a flat map with dot-separated keys back into a nested
// map. When a key is both a value and a prefix ("a" and "a.b"), the nested
// keys win.
func Unflatten(flat map[string]any) map[string]any {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	// Shallow keys first, so deeper ones can replace them.
	slices.SortFunc(keys, func(a, b string) int {
		return strings.Count(a, ".") - strings.Count(b, ".")
	})

	out := make(map[string]any)
	for _, k := range keys {
		parts := strings.Split(k, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		last := parts[len(parts)-1]
		if _, isBranch := node[last].(map[string]any); isBranch {
			continue
		}
		node[last] = flat[k]
	}
	return out
}

// MaskSecrets returns a copy of the flat map with secret values shown as
// "***" plus their last 4 characters. Empty values stay empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		s, ok := v.(string)
		if !ok || s == "" || !IsSecretKey(k) {
			continue
		}
		r := []rune(s)
		out[k] = "***" + string(r[max(0, len(r)-4):])
	}
	return out
}
