// Package coderunner executes model-written code in long-lived interpreter
// sessions and reports the output as conversation events.
package coderunner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/types"
)

const (
	LangPython = "python"
	LangBash   = "bash"

	// FunctionName is the name attached to every FunctionOutput a runner emits.
	FunctionName = "run_code"

	DefaultTimeout = 120 * time.Second
)

// Languages lists the supported languages in the order they are offered to
// the model.
var Languages = []string{LangPython, LangBash}

// Runner is one stateful interpreter session. Variables, files and installed
// packages survive between executions.
type Runner interface {
	Start(ctx context.Context) error
	// Execute runs code and streams FunctionOutput and Error events attributed
	// to source. The channel is closed when the execution is complete.
	Execute(ctx context.Context, source types.MessageID, code string) (<-chan event.Event, error)
	Shutdown(ctx context.Context) error
}

// Config selects the interpreter commands. An empty command uses the local
// interpreter; a configured one replaces the interpreter prefix, so
// ["docker", "run", "-i", "--rm", "python:3.12", "python3"] runs the session
// in a container.
type Config struct {
	Python  []string
	Bash    []string
	Timeout time.Duration
}

// Factory creates runners for a language.
type Factory func(lang string) (Runner, error)

// NewFactory returns a Factory producing subprocess runners.
func NewFactory(cfg Config, logger *slog.Logger) Factory {
	return func(lang string) (Runner, error) {
		return NewProcess(lang, cfg, logger)
	}
}

// Supported reports whether lang names a runner language.
func Supported(lang string) bool {
	for _, l := range Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// NewProcess creates an unstarted subprocess runner for lang.
func NewProcess(lang string, cfg Config, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var argv []string
	switch lang {
	case LangPython:
		prefix := cfg.Python
		if len(prefix) == 0 {
			prefix = []string{"python3"}
		}
		argv = append(append([]string{}, prefix...), "-u", "-c", pythonDriver)
	case LangBash:
		prefix := cfg.Bash
		if len(prefix) == 0 {
			prefix = []string{"bash"}
		}
		argv = append(append([]string{}, prefix...), "--noprofile", "--norc")
	default:
		return nil, fmt.Errorf("unsupported language %q", lang)
	}

	return &Process{
		lang:    lang,
		argv:    argv,
		timeout: timeout,
		logger:  logger.With("component", "coderunner", "lang", lang),
	}, nil
}
