package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/types"
)

const (
	parseErrorFormat = "Failed to parse arguments to call function `%s`.\n> %s\n\nGiven arguments:\n```json\n%s\n```\n\nPlease fix the syntax and call `%s` again."
	unknownFormat    = "Unknown function: `%s`\nPlease use only given functions."
)

// parseArguments decodes the arguments of a function call. Blank arguments
// are an empty object.
func parseArguments(arguments string) (map[string]json.RawMessage, error) {
	if strings.TrimSpace(arguments) == "" {
		return map[string]json.RawMessage{}, nil
	}
	var args map[string]json.RawMessage
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, err
	}
	if args == nil {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}
	return args, nil
}

// dispatch executes the function call of message source. Problems the model
// can fix are written to history as corrective instructions or reported in
// the function output; only storage failures are returned.
func (t *Thread) dispatch(ctx context.Context, source types.MessageID, name, arguments string) error {
	t.setState(StateDispatching)
	logger := t.logger.With("tool", name, "message_id", string(source))

	args, err := parseArguments(arguments)
	if err != nil {
		logger.Info("unparsable function arguments", "error", err)
		return t.emit(ctx, event.NewSystem(fmt.Sprintf(parseErrorFormat, name, err, arguments, name)))
	}

	tool, ok := t.deps.Registry.Get(name)
	if !ok {
		logger.Info("unknown function")
		return t.emit(ctx, event.NewSystem(fmt.Sprintf(unknownFormat, name)))
	}

	call := &Call{
		User:     t.user,
		Source:   source,
		Name:     name,
		Args:     args,
		Location: t.opts.Location,
		Runners:  t,
	}

	switch tool := tool.(type) {
	case StreamingTool:
		var emitErr error
		emitted := false
		err := tool.Stream(ctx, call, func(ev event.Event) error {
			emitted = true
			if err := t.emit(ctx, ev); err != nil {
				emitErr = err
				return err
			}
			return nil
		})
		if emitErr != nil {
			return emitErr
		}
		if err == nil {
			return nil
		}
		logger.Info("function failed", "error", err)
		if emitted {
			return t.emit(ctx, event.NewError(source, err.Error()))
		}
		return t.output(ctx, source, name, errorPayload(err))
	case ExecTool:
		result, err := tool.Execute(ctx, call)
		if err != nil {
			logger.Info("function failed", "error", err)
			result = errorPayload(err)
		}
		return t.output(ctx, source, name, result)
	default:
		return t.output(ctx, source, name, errorPayload(fmt.Errorf("function %s cannot be executed", name)))
	}
}

func errorPayload(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

// output reports payload as the function's output.
func (t *Thread) output(ctx context.Context, source types.MessageID, name string, payload any) error {
	content, err := FormatPayload(payload)
	if err != nil {
		return fmt.Errorf("format %s output: %w", name, err)
	}
	return t.emit(ctx, event.NewFunctionOutput(source, name, content, false))
}

// FormatPayload renders a function result as a fenced JSON block.
func FormatPayload(payload any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", err
	}
	return "```json\n" + strings.TrimSuffix(buf.String(), "\n") + "\n```", nil
}
