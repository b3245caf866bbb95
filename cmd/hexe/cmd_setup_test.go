package main

import (
	"bytes"
	"strings"
	"testing"
	_ "time/tzdata"

	"github.com/fatih/color"

	"github.com/user/hexe/internal/config"
)

func TestWizardConfigure(t *testing.T) {
	color.NoColor = true

	cfg := config.Default()
	cfg.LLM.APIKey = "sk-old-secret"
	answers := strings.Join([]string{
		"",              // base URL kept
		"sk-new",        // api key
		"gpt-4o",        // model
		"",              // embedding model kept
		"-3",            // rejected
		"512",           // max tokens
		"Mars/Olympus",  // rejected
		"Europe/Berlin", // timezone
		":9090",         // addr
	}, "\n") + "\n"

	var out bytes.Buffer
	newWizard(strings.NewReader(answers), &out).configure(cfg)

	def := config.Default()
	if cfg.LLM.BaseURL != def.LLM.BaseURL {
		t.Errorf("base URL changed to %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.APIKey != "sk-new" || cfg.LLM.Model != "gpt-4o" {
		t.Errorf("unexpected llm settings %+v", cfg.LLM)
	}
	if cfg.LLM.EmbeddingModel != def.LLM.EmbeddingModel {
		t.Errorf("embedding model changed to %q", cfg.LLM.EmbeddingModel)
	}
	if cfg.LLM.MaxTokens != 512 {
		t.Errorf("expected 512 max tokens, got %d", cfg.LLM.MaxTokens)
	}
	if cfg.Timezone != "Europe/Berlin" || cfg.Server.Addr != ":9090" {
		t.Errorf("unexpected timezone %q or addr %q", cfg.Timezone, cfg.Server.Addr)
	}
	// Input ended before the telegram question.
	if cfg.Telegram.Token != "" {
		t.Errorf("expected no telegram token, got %q", cfg.Telegram.Token)
	}

	text := out.String()
	if strings.Contains(text, "sk-old-secret") {
		t.Error("api key must be shown masked")
	}
	if !strings.Contains(text, "[***cret]") {
		t.Errorf("expected masked key in prompt, got:\n%s", text)
	}
	for _, want := range []string{`got "-3"`, `unknown timezone "Mars/Olympus"`} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}
