// Package runtime runs conversations: the per-user thread state machine, its
// function dispatch and the registry of live threads.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/hexe/internal/coderunner"
	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/gateway"
	"github.com/user/hexe/internal/types"
	"github.com/user/hexe/pkg/llm"
)

// ErrIncompleteStream is returned when a completion stream ends without a
// finish reason.
var ErrIncompleteStream = errors.New("completion stream ended without finish reason")

// DefaultMaxToolChain bounds the function calls of a single turn.
const DefaultMaxToolChain = 10

// Error texts shown to the user.
const (
	msgMaxTokens      = "Max tokens exceeded"
	msgNoFunctionCall = "Function call is not specified"
	msgChainExceeded  = "Max function call chain exceeded"
)

type State int32

const (
	StateIdle State = iota
	StateInvoking
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInvoking:
		return "invoking"
	case StateDispatching:
		return "dispatching"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Assembler builds the model input of a turn.
type Assembler interface {
	Build(ctx context.Context, user types.UserID, now time.Time) ([]llm.Message, error)
}

// Deps are the collaborators shared by all threads.
type Deps struct {
	Provider  llm.Provider
	Assembler Assembler
	History   event.HistoryStore
	Counter   types.TokenCounter
	Registry  *Registry
	Runners   coderunner.Factory
	Retry     *gateway.RetryPolicy
	Logger    *slog.Logger
}

// Options tune a thread. Zero values select the defaults.
type Options struct {
	MaxToolChain int
	QueueSize    int
	Location     *time.Location
}

// Thread is the conversation of one user. Callers must not run SendMessage
// concurrently for the same thread; the gateway serializes turns per user.
type Thread struct {
	user   types.UserID
	deps   Deps
	opts   Options
	hub    *hub
	state  atomic.Int32
	logger *slog.Logger

	mu      sync.Mutex
	runners map[string]coderunner.Runner
	closed  bool
	stopped bool
	turns   sync.WaitGroup
	drained chan struct{}
}

// NewThread creates the thread of user.
func NewThread(user types.UserID, deps Deps, opts Options) *Thread {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Retry == nil {
		deps.Retry = gateway.DefaultRetryPolicy()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if opts.MaxToolChain <= 0 {
		opts.MaxToolChain = DefaultMaxToolChain
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	logger := deps.Logger.With("component", "thread", "user_id", string(user))
	return &Thread{
		user:    user,
		deps:    deps,
		opts:    opts,
		hub:     newHub(opts.QueueSize, logger),
		logger:  logger,
		runners: make(map[string]coderunner.Runner),
		drained: make(chan struct{}),
	}
}

func (t *Thread) User() types.UserID          { return t.user }
func (t *Thread) Location() *time.Location    { return t.opts.Location }
func (t *Thread) State() State                { return State(t.state.Load()) }
func (t *Thread) setState(s State)            { t.state.Store(int32(s)) }
func (t *Thread) Stream() (*Stream, error)    { return t.hub.stream() }
func (t *Thread) Notify(ev event.Event)       { t.broadcast(ev) }
func (t *Thread) Registry() *Registry         { return t.deps.Registry }
func (t *Thread) History() event.HistoryStore { return t.deps.History }

// Subscribe registers handler for every event broadcast after the call.
// Handlers run on their own goroutine and never block the conversation;
// a handler that falls too far behind loses the oldest events.
func (t *Thread) Subscribe(handler func(event.Event)) (unsubscribe func(), err error) {
	return t.hub.subscribe(handler)
}

func (t *Thread) broadcast(ev event.Event) {
	if event.Broadcastable(ev) {
		t.hub.publish(ev)
	}
}

// record appends a final event to history, retrying transient failures.
func (t *Thread) record(ctx context.Context, ev event.Event) error {
	if !event.Persistable(ev) {
		return nil
	}
	rec := event.Record{Event: ev}
	msg, ok, err := event.MessageOf(t.deps.Counter, ev)
	if err != nil {
		return err
	}
	if ok {
		rec.Tokens = msg.TokenCount()
	}

	err = t.deps.Retry.Do(ctx, func() error {
		return t.deps.History.Append(ctx, t.user, rec)
	})
	if err != nil {
		return fmt.Errorf("append %s event: %w", ev.Type(), err)
	}
	return nil
}

// emit persists ev if it is final and broadcasts it to subscribers.
func (t *Thread) emit(ctx context.Context, ev event.Event) error {
	if err := t.record(ctx, ev); err != nil {
		return err
	}
	t.broadcast(ev)
	return nil
}

// SendMessage appends a user message and runs the model until the turn ends.
// A returned error means the turn could not be completed; conversation-level
// failures are reported as Error events and return nil.
func (t *Thread) SendMessage(ctx context.Context, text string) error {
	if err := t.beginTurn(); err != nil {
		return err
	}
	defer t.turns.Done()
	return t.send(ctx, text)
}

// RunTurn is SendMessage bracketed by Status notifications carrying
// source. The closing Status is delivered even if the thread is closed while
// the turn runs.
func (t *Thread) RunTurn(ctx context.Context, source types.MessageID, text string) error {
	if err := t.beginTurn(); err != nil {
		return err
	}
	defer t.turns.Done()
	t.Notify(event.NewStatus(source, true))
	defer t.Notify(event.NewStatus(source, false))
	return t.send(ctx, text)
}

func (t *Thread) beginTurn() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrThreadClosed
	}
	t.turns.Add(1)
	return nil
}

func (t *Thread) send(ctx context.Context, text string) error {
	if err := t.emit(ctx, event.NewUser(text)); err != nil {
		return err
	}
	return t.invoke(ctx)
}

func (t *Thread) invoke(ctx context.Context) error {
	defer t.setState(StateIdle)

	var caller types.MessageID
	for calls := 0; ; calls++ {
		if calls >= t.opts.MaxToolChain {
			t.logger.Warn("function call chain exceeded", "max_tool_chain", t.opts.MaxToolChain, "message_id", string(caller))
			return t.emit(ctx, event.NewError(caller, msgChainExceeded))
		}
		called, err := t.complete(ctx)
		if err != nil || called == "" {
			return err
		}
		caller = called
	}
}

// pending accumulates the streamed assistant message.
type pending struct {
	id      types.MessageID
	content strings.Builder
	call    *llm.FunctionCall
}

func (p *pending) assistant() *event.Assistant {
	if p.content.Len() == 0 {
		return nil
	}
	return event.NewAssistant(p.id, p.content.String(), false)
}

func (p *pending) functionCall() *event.FunctionCall {
	if p.call == nil || p.call.Name == "" {
		return nil
	}
	return event.NewFunctionCall(p.id, p.call.Name, p.call.Arguments, false)
}

// complete runs one model call. When a function was dispatched and the model
// must be called again it returns the id of the calling message.
func (t *Thread) complete(ctx context.Context) (types.MessageID, error) {
	t.setState(StateInvoking)

	messages, err := t.deps.Assembler.Build(ctx, t.user, time.Now().In(t.opts.Location))
	if err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}

	msg := &pending{id: types.NewMessageID()}
	chunks, err := t.deps.Provider.Stream(ctx, llm.Request{
		Messages:  messages,
		Functions: t.deps.Registry.Functions(),
		User:      string(t.user),
	})
	if err != nil {
		return "", t.fail(ctx, msg, err)
	}

	var (
		finish    llm.FinishReason
		streamErr error
	)
	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		if chunk.Content != "" {
			msg.content.WriteString(chunk.Content)
			t.broadcast(event.NewAssistant(msg.id, chunk.Content, true))
		}
		if fc := chunk.FunctionCall; fc != nil {
			if msg.call == nil {
				msg.call = &llm.FunctionCall{}
			}
			msg.call.Name += fc.Name
			msg.call.Arguments += fc.Arguments
			t.broadcast(event.NewFunctionCall(msg.id, msg.call.Name, fc.Arguments, true))
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	if streamErr != nil {
		return "", t.fail(ctx, msg, streamErr)
	}

	switch finish {
	case llm.FinishLength:
		if err := t.finals(ctx, msg); err != nil {
			return "", err
		}
		return "", t.emit(ctx, event.NewError(msg.id, msgMaxTokens))

	case llm.FinishFunctionCall:
		if err := t.finals(ctx, msg); err != nil {
			return "", err
		}
		fc := msg.functionCall()
		if fc == nil {
			return "", t.emit(ctx, event.NewError(msg.id, msgNoFunctionCall))
		}
		if err := t.dispatch(ctx, msg.id, fc.Name, fc.Arguments); err != nil {
			return "", err
		}
		return msg.id, nil

	case "":
		return "", t.fail(ctx, msg, ErrIncompleteStream)

	default:
		return "", t.finals(ctx, msg)
	}
}

// finals persists and broadcasts the completed parts of msg.
func (t *Thread) finals(ctx context.Context, msg *pending) error {
	if a := msg.assistant(); a != nil {
		if err := t.emit(ctx, a); err != nil {
			return err
		}
	}
	if fc := msg.functionCall(); fc != nil {
		if err := t.emit(ctx, fc); err != nil {
			return err
		}
	}
	return nil
}

// fail records what was received of msg and an Error for cause, then
// returns cause.
func (t *Thread) fail(ctx context.Context, msg *pending, cause error) error {
	t.logger.Error("completion failed", "message_id", string(msg.id), "error", cause)
	ctx = context.WithoutCancel(ctx)
	if err := t.finals(ctx, msg); err != nil {
		return errors.Join(fmt.Errorf("completion: %w", cause), err)
	}
	if err := t.emit(ctx, event.NewError(msg.id, cause.Error())); err != nil {
		return errors.Join(fmt.Errorf("completion: %w", cause), err)
	}
	return fmt.Errorf("completion: %w", cause)
}

// Runner returns the code runner for lang, starting it on first use.
func (t *Thread) Runner(ctx context.Context, lang string) (coderunner.Runner, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, ErrThreadClosed
	}
	if r, ok := t.runners[lang]; ok {
		return r, nil
	}
	if t.deps.Runners == nil {
		return nil, fmt.Errorf("code execution is not configured")
	}

	r, err := t.deps.Runners(lang)
	if err != nil {
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		return nil, fmt.Errorf("start %s runner: %w", lang, err)
	}
	t.runners[lang] = r
	return r, nil
}

// Close refuses new turns and subscribers. A turn already running completes
// and is delivered to the existing subscribers, which are released after it.
func (t *Thread) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.hub.seal()
	go func() {
		t.turns.Wait()
		t.hub.close()
		close(t.drained)
	}()
}

// Shutdown closes the thread, waits for the running turn and stops the code
// runners. If ctx ends first the runners are stopped anyway and ctx's error
// is returned with any shutdown errors.
func (t *Thread) Shutdown(ctx context.Context) error {
	t.Close()

	var waitErr error
	select {
	case <-t.drained:
	case <-ctx.Done():
		waitErr = fmt.Errorf("wait for running turn: %w", ctx.Err())
		t.logger.Warn("stopping runners under a running turn", "error", ctx.Err())
	}

	t.mu.Lock()
	t.stopped = true
	runners := t.runners
	t.runners = make(map[string]coderunner.Runner)
	t.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for lang, r := range runners {
		g.Go(func() error {
			if err := r.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown %s runner: %w", lang, err)
			}
			return nil
		})
	}
	return errors.Join(waitErr, g.Wait())
}
