package config

import (
	"reflect"
	"testing"
)

func TestFlatten(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{"empty", map[string]any{}, map[string]any{}},
		{"simple", map[string]any{"a": "hello", "b": 42.0}, map[string]any{"a": "hello", "b": 42.0}},
		{
			"nested",
			map[string]any{"llm": map[string]any{"model": "gpt-4", "api_key": "sk-test123"}, "log_level": "info"},
			map[string]any{"llm.model": "gpt-4", "llm.api_key": "sk-test123", "log_level": "info"},
		},
		{
			"deep",
			map[string]any{"a": map[string]any{"b": map[string]any{"c": "deep"}}},
			map[string]any{"a.b.c": "deep"},
		},
		{"empty nested map", map[string]any{"a": map[string]any{}}, map[string]any{}},
		{
			"lists are leaves",
			map[string]any{"runners": map[string]any{"bash": []any{"bash", "--norc"}}, "ok": true},
			map[string]any{"runners.bash": []any{"bash", "--norc"}, "ok": true},
		},
	}
	for _, c := range cases {
		if got := Flatten(c.in); !reflect.DeepEqual(got, c.want) {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, got)
		}
	}
}

func TestUnflatten(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{"empty", map[string]any{}, map[string]any{}},
		{"simple", map[string]any{"a": "x"}, map[string]any{"a": "x"}},
		{
			"nested",
			map[string]any{"llm.model": "gpt-4", "llm.base_url": "http://x", "server.addr": ":80"},
			map[string]any{
				"llm":    map[string]any{"model": "gpt-4", "base_url": "http://x"},
				"server": map[string]any{"addr": ":80"},
			},
		},
		{
			"nested keys replace a value",
			map[string]any{"a": "scalar", "a.b": 1.0},
			map[string]any{"a": map[string]any{"b": 1.0}},
		},
	}
	for _, c := range cases {
		if got := Unflatten(c.in); !reflect.DeepEqual(got, c.want) {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, got)
		}
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"data_dir":  "/home/test/.hexe",
		"log_level": "debug",
		"llm": map[string]any{
			"base_url": "https://api.openai.com/v1",
			"api_key":  "sk-test123456",
			"model":    "gpt-4",
		},
		"runners": map[string]any{
			"python":          []any{"python3"},
			"timeout_seconds": 120.0,
		},
		"telegram": map[string]any{
			"token": "bot-token-abc",
		},
	}
	if restored := Unflatten(Flatten(original)); !reflect.DeepEqual(restored, original) {
		t.Errorf("round trip mismatch: %v", restored)
	}
}

func TestIsSecretKey(t *testing.T) {
	for key, want := range map[string]bool{
		"llm.api_key":    true,
		"telegram.token": true,
		"api_key":        true,
		"llm.model":      false,
		"llm.max_tokens": false,
		"context.history_tokens": false,
	} {
		if got := IsSecretKey(key); got != want {
			t.Errorf("%s: expected %v, got %v", key, want, got)
		}
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"llm.model":      "gpt-4",
		"llm.api_key":    "sk-test123456",
		"telegram.token": "123456:ABCdefGHIjkl",
		"log_level":      "info",
		"a.api_key":      "",
		"b.api_key":      "ab",
		"c.api_key":      "abcd",
		"d.token":        "ключ-секрет",
		"e.token":        42.0,
	}
	want := map[string]any{
		"llm.model":      "gpt-4",
		"llm.api_key":    "***3456",
		"telegram.token": "***Ijkl",
		"log_level":      "info",
		"a.api_key":      "",
		"b.api_key":      "***ab",
		"c.api_key":      "***abcd",
		"d.token":        "***крет",
		"e.token":        42.0,
	}
	if got := MaskSecrets(flat); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
