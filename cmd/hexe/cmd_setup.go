package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/hexe/internal/config"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Answer a few questions to write the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			w := newWizard(cmd.InOrStdin(), cmd.OutOrStdout())
			color.New(color.FgCyan, color.Bold).Fprintln(w.out, "Hexe setup")
			fmt.Fprintln(w.out, "Empty answers keep the value in brackets.")
			w.configure(cfg)
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			color.New(color.FgGreen).Fprintf(w.out, "\nWrote %s\n", cfgPath)
			return nil
		},
	})
}

type wizard struct {
	in   *bufio.Scanner
	out  io.Writer
	warn *color.Color
}

func newWizard(in io.Reader, out io.Writer) *wizard {
	return &wizard{in: bufio.NewScanner(in), out: out, warn: color.New(color.FgYellow)}
}

// ask prompts until check accepts the answer. The current value is kept on
// an empty answer or at end of input. Secrets are shown masked.
func (w *wizard) ask(label, current string, secret bool, check func(string) error) string {
	for {
		shown := current
		if secret && shown != "" {
			shown = config.MaskSecrets(map[string]any{"api_key": shown})["api_key"].(string)
		}
		if shown != "" {
			fmt.Fprintf(w.out, "%s [%s]: ", label, shown)
		} else {
			fmt.Fprintf(w.out, "%s: ", label)
		}
		if !w.in.Scan() {
			fmt.Fprintln(w.out)
			return current
		}
		answer := strings.TrimSpace(w.in.Text())
		if answer == "" {
			return current
		}
		if check == nil {
			return answer
		}
		if err := check(answer); err != nil {
			w.warn.Fprintln(w.out, err)
			continue
		}
		return answer
	}
}

func checkTimezone(s string) error {
	if _, err := time.LoadLocation(s); err != nil {
		return fmt.Errorf("unknown timezone %q", s)
	}
	return nil
}

func checkCount(s string) error {
	if n, err := strconv.Atoi(s); err != nil || n < 0 {
		return fmt.Errorf("expected a whole number >= 0, got %q", s)
	}
	return nil
}

func (w *wizard) configure(cfg *config.Config) {
	llm := &cfg.LLM
	llm.BaseURL = w.ask("OpenAI-compatible base URL", llm.BaseURL, false, nil)
	llm.APIKey = w.ask("API key", llm.APIKey, true, nil)
	llm.Model = w.ask("Chat model", llm.Model, false, nil)
	llm.EmbeddingModel = w.ask("Embedding model", llm.EmbeddingModel, false, nil)
	llm.MaxTokens, _ = strconv.Atoi(w.ask("Max reply tokens, 0 for no limit", strconv.Itoa(llm.MaxTokens), false, checkCount))

	cfg.Timezone = w.ask("Timezone for users without one", cfg.Timezone, false, checkTimezone)
	cfg.Server.Addr = w.ask("HTTP listen address", cfg.Server.Addr, false, nil)
	cfg.Telegram.Token = w.ask("Telegram bot token, empty to disable", cfg.Telegram.Token, true, nil)
}
