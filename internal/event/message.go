package event

import (
	"fmt"
	"strings"

	"github.com/user/hexe/internal/types"
)

// MessageOf returns the model-facing message for a single final event.
// It reports false for events that never enter model context.
func MessageOf(counter types.TokenCounter, ev Event) (types.Message, bool, error) {
	if !ev.IsFinal() {
		return types.Message{}, false, nil
	}
	h := ev.Base()
	p := types.MessageParams{CreatedAt: h.CreatedAt}

	switch e := ev.(type) {
	case *User:
		p.ID, p.Role, p.Content = types.MessageID(h.ID), types.RoleUser, e.Content
	case *Assistant:
		p.ID, p.Role, p.Content = e.Source, types.RoleAssistant, e.Content
	case *FunctionCall:
		p.ID, p.Role = e.Source, types.RoleAssistant
		p.FunctionCall = &types.FunctionCall{Name: e.Name, Arguments: e.Arguments}
	case *FunctionOutput:
		p.ID, p.Role, p.Name, p.Content = types.MessageID(h.ID), types.RoleFunction, e.Name, e.ShortContent()
	case *Error:
		p.ID, p.Role, p.Content = types.MessageID(h.ID), types.RoleSystem, "Error: "+e.Content
	case *System:
		p.ID, p.Role, p.Content = types.MessageID(h.ID), types.RoleSystem, e.Content
	default:
		return types.Message{}, false, nil
	}

	msg, err := types.NewMessage(counter, p)
	if err != nil {
		return types.Message{}, false, fmt.Errorf("message of %s event %s: %w", ev.Type(), h.ID, err)
	}
	return msg, true, nil
}

// ToMessages converts events, oldest first, to the message list the model
// expects. An Assistant event immediately followed by a FunctionCall from the
// same message collapses into one assistant message carrying both.
func ToMessages(counter types.TokenCounter, events []Event) ([]types.Message, error) {
	var out []types.Message
	for i := 0; i < len(events); i++ {
		if a, ok := events[i].(*Assistant); ok && a.IsFinal() && i+1 < len(events) {
			if fc, ok := events[i+1].(*FunctionCall); ok && fc.IsFinal() && fc.Source == a.Source {
				msg, err := types.NewMessage(counter, types.MessageParams{
					ID:           a.Source,
					Role:         types.RoleAssistant,
					Content:      a.Content,
					FunctionCall: &types.FunctionCall{Name: fc.Name, Arguments: fc.Arguments},
					CreatedAt:    a.CreatedAt,
				})
				if err != nil {
					return nil, fmt.Errorf("merge assistant message %s: %w", a.Source, err)
				}
				out = append(out, msg)
				i++
				continue
			}
		}

		msg, ok, err := MessageOf(counter, events[i])
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Reply renders the final assistant texts and errors of a turn as plain
// text for transports without event support.
func Reply(events []Event) string {
	var parts []string
	for _, ev := range events {
		if !ev.IsFinal() {
			continue
		}
		switch e := ev.(type) {
		case *Assistant:
			if content := strings.TrimSpace(e.Content); content != "" {
				parts = append(parts, content)
			}
		case *Error:
			parts = append(parts, "Error: "+e.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
