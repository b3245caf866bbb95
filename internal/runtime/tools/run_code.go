package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/user/hexe/internal/coderunner"
	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/runtime"
)

var (
	errLanguageArg = fmt.Errorf("`language` argument must be one of [%s].", strings.Join(coderunner.Languages, ", "))
	errCodeArg     = errors.New("`code` argument must be a string.")
)

// RunCode executes code in the conversation's interpreter sessions and
// streams the output.
type RunCode struct{}

var _ runtime.StreamingTool = (*RunCode)(nil)

func NewRunCode() *RunCode { return &RunCode{} }

func (r *RunCode) Name() string { return coderunner.FunctionName }
func (r *RunCode) Description() string {
	return "Run code in a persistent Python or Bash session, and returns the output and the result. " +
		"Variables and files are kept between runs. To install packages, you can use `pip install <package>` or `apt-get install <package>` with Bash."
}
func (r *RunCode) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["language", "code"],
		"properties": {
			"language": {"type": "string", "enum": ["python", "bash"]},
			"code": {"type": "string"}
		}
	}`)
}

func (r *RunCode) parse(call *runtime.Call) (lang, code string, err error) {
	if json.Unmarshal(call.Args["language"], &lang) != nil || !coderunner.Supported(lang) {
		return "", "", errLanguageArg
	}
	var c *string
	if json.Unmarshal(call.Args["code"], &c) != nil || c == nil || strings.TrimSpace(*c) == "" {
		return "", "", errCodeArg
	}
	return lang, strings.TrimSpace(*c), nil
}

// Stream runs the code in the session for its language, starting the
// session on first use.
func (r *RunCode) Stream(ctx context.Context, call *runtime.Call, emit func(event.Event) error) error {
	lang, code, err := r.parse(call)
	if err != nil {
		return err
	}
	if call.Runners == nil {
		return fmt.Errorf("code execution is not available")
	}
	runner, err := call.Runners.Runner(ctx, lang)
	if err != nil {
		return err
	}

	events, err := runner.Execute(ctx, call.Source, code)
	if err != nil {
		return err
	}
	var emitErr error
	for ev := range events {
		if emitErr != nil {
			continue
		}
		emitErr = emit(ev)
	}
	return emitErr
}
