package context

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/user/hexe/internal/types"
)

// DefaultPrompt is the built-in system prompt template used when no custom
// prompt file is configured. It uses Go text/template syntax with PromptData
// fields: .Time, .Notes
const DefaultPrompt = `You are Hexe, a faithful AI assistant, and also a world-class programmer who can complete anything by executing code.

If user changes the topic, write a note what you two talked about in the previous topic, and then respond to the new topic.
Or if you learned new things, write it to notes to remember it.
Too many notes are better than too few notes.

If user asks you to do something, you write a plan first, and then execute it.
Always recap progress and your plan between each step.
You have only very short term memory, so you need to recap the plan to retain it.

Keep each steps in the plan as short as possible, because simple steps are easier to achieve.
Do write a shorter code, and test it more often.


Current datetime: {{.Time}}

==========
Notes:
{{if .Notes}}{{join .Notes "\n---\n"}}{{else}}(Notes related to the topic are not found){{end}}`

// PromptData is the input of the system prompt template.
type PromptData struct {
	Time  string
	Notes []string
}

// NewPromptData formats notes and the current time in now's location.
func NewPromptData(now time.Time, notes []types.Note) PromptData {
	data := PromptData{Time: now.Format(time.RFC3339Nano)}
	for _, n := range notes {
		data.Notes = append(data.Notes, fmt.Sprintf("%s (%s)", n.Content, n.CreatedAt.In(now.Location()).Format(time.RFC3339)))
	}
	return data
}

// ParsePrompt compiles a system prompt template.
func ParsePrompt(text string) (*template.Template, error) {
	tmpl, err := template.New("system").Funcs(template.FuncMap{"join": strings.Join}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return tmpl, nil
}

// BuildSystemPrompt renders tmpl with data.
func BuildSystemPrompt(tmpl *template.Template, data PromptData) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return sb.String(), nil
}
