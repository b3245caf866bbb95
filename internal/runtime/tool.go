package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/user/hexe/internal/coderunner"
	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/types"
	"github.com/user/hexe/pkg/llm"
)

// Tool declares a function the model can call. A registered Tool must also
// be an ExecTool or a StreamingTool.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
}

// ExecTool is a Tool returning the payload reported back to the model; an
// error is reported as {"error": "..."}.
type ExecTool interface {
	Tool
	Execute(ctx context.Context, call *Call) (any, error)
}

// StreamingTool is a Tool that reports its output as events while it runs
// instead of returning a payload. If Stream fails before emitting anything
// the error is reported like an Execute error.
type StreamingTool interface {
	Tool
	Stream(ctx context.Context, call *Call, emit func(event.Event) error) error
}

// RunnerSource hands out the code runners of a conversation.
type RunnerSource interface {
	Runner(ctx context.Context, lang string) (coderunner.Runner, error)
}

// Call is one function invocation requested by the model.
type Call struct {
	User types.UserID
	// Source is the id of the assistant message carrying the call.
	Source   types.MessageID
	Name     string
	Args     map[string]json.RawMessage
	Location *time.Location
	Runners  RunnerSource
}

// Registry holds registered tools and provides lookup.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool to the registry, replacing one with the same name.
func (r *Registry) Register(t Tool) {
	if _, ok := r.tools[t.Name()]; !ok {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns all registered tools in registration order.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Functions converts registered tools to the provider's function
// declarations.
func (r *Registry) Functions() []llm.Function {
	out := make([]llm.Function, 0, len(r.order))
	for _, t := range r.All() {
		out = append(out, llm.Function{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

// Check compiles the parameter schema of every tool and returns all the
// failures joined. A tool that can neither execute nor stream fails too.
func (r *Registry) Check() error {
	var errs []error
	for _, t := range r.All() {
		switch t.(type) {
		case ExecTool, StreamingTool:
		default:
			errs = append(errs, fmt.Errorf("tool %s: no Execute or Stream method", t.Name()))
			continue
		}
		c := jsonschema.NewCompiler()
		url := t.Name() + ".schema.json"
		if err := c.AddResource(url, bytes.NewReader(t.Parameters())); err != nil {
			errs = append(errs, fmt.Errorf("tool %s: %w", t.Name(), err))
			continue
		}
		if _, err := c.Compile(url); err != nil {
			errs = append(errs, fmt.Errorf("tool %s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}
