// Package context assembles the token-budgeted input of a model call from
// stored history and notes.
package context

import (
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/types"
	"github.com/user/hexe/pkg/llm"
)

// Options tunes the budgets of an Engine. Zero values select the defaults.
type Options struct {
	HistoryBudget int
	NoteBudget    int
	NoteResults   int
	NoteThreshold float64
	// Prompt is a custom system prompt template. See DefaultPrompt.
	Prompt string
}

func (o Options) withDefaults() Options {
	if o.HistoryBudget <= 0 {
		o.HistoryBudget = 2 * 1024
	}
	if o.NoteBudget <= 0 {
		o.NoteBudget = 1024
	}
	if o.NoteResults <= 0 {
		o.NoteResults = 10
	}
	if o.NoteThreshold <= 0 {
		o.NoteThreshold = 0.15
	}
	if o.Prompt == "" {
		o.Prompt = DefaultPrompt
	}
	return o
}

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	counter types.TokenCounter
	history event.HistoryStore
	notes   types.NoteStore
	prompt  *template.Template
	opts    Options
}

// New creates a context engine reading from history and notes.
func New(counter types.TokenCounter, history event.HistoryStore, notes types.NoteStore, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	tmpl, err := ParsePrompt(opts.Prompt)
	if err != nil {
		return nil, err
	}
	return &Engine{
		counter: counter,
		history: history,
		notes:   notes,
		prompt:  tmpl,
		opts:    opts,
	}, nil
}

// Build returns the system prompt followed by the history window for user.
// now determines both the time shown to the model and the timezone used for
// note timestamps.
func (e *Engine) Build(ctx context.Context, user types.UserID, now time.Time) ([]llm.Message, error) {
	notes, err := e.relevantNotes(ctx, user)
	if err != nil {
		return nil, err
	}

	sysPrompt, err := BuildSystemPrompt(e.prompt, NewPromptData(now, notes))
	if err != nil {
		return nil, err
	}

	records, err := LoadByTokens(ctx, e.history, user, e.opts.HistoryBudget)
	if err != nil {
		return nil, err
	}
	events := make([]event.Event, len(records))
	for i, r := range records {
		events[i] = r.Event
	}
	history, err := event.ToMessages(e.counter, events)
	if err != nil {
		return nil, fmt.Errorf("build history messages: %w", err)
	}

	messages := make([]llm.Message, 0, 1+len(history))
	messages = append(messages, llm.Text("system", sysPrompt))
	for _, m := range history {
		messages = append(messages, toLLM(m))
	}
	return messages, nil
}

// relevantNotes queries notes related to the last user message, truncated
// to the note budget.
func (e *Engine) relevantNotes(ctx context.Context, user types.UserID) ([]types.Note, error) {
	last, err := e.history.LastUserMessage(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load last user message: %w", err)
	}
	if last == nil || last.Content == "" {
		return nil, nil
	}

	notes, err := e.notes.Query(ctx, user, last.Content, e.opts.NoteResults, e.opts.NoteThreshold)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	return TruncateNotes(notes, e.opts.NoteBudget), nil
}

// TruncateNotes returns the longest prefix of notes whose token total fits
// in budget.
func TruncateNotes(notes []types.Note, budget int) []types.Note {
	used := 0
	for i, n := range notes {
		used += n.TokenCount
		if used > budget {
			return notes[:i]
		}
	}
	return notes
}

func toLLM(m types.Message) llm.Message {
	out := llm.Message{Role: string(m.Role()), Name: m.Name()}
	if c := m.Content(); c != "" || m.FunctionCall() == nil {
		out.Content = &c
	}
	if fc := m.FunctionCall(); fc != nil {
		out.FunctionCall = &llm.FunctionCall{Name: fc.Name, Arguments: fc.Arguments}
	}
	return out
}
