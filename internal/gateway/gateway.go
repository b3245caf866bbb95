// Package gateway serializes inbound user messages per user and bounds the
// number of conversation turns running at once.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/hexe/internal/types"
)

// Gateway turns inbound messages into runs on the user's lane.
type Gateway struct {
	Queue  *Queue
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway with the given concurrency limit for simultaneous
// turns across users.
func New(maxConcurrent int64, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		Queue:  NewQueue(maxConcurrent, logger),
		logger: logger.With("component", "gateway"),
	}
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context, stops the queue, and waits for any
// outstanding work to finish.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the turn has ended.
func WithOnComplete(fn func(error)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// HandleInbound enqueues text as the next message of user. origin names the
// transport it came from and is only used for logging.
func (g *Gateway) HandleInbound(ctx context.Context, user types.UserID, text, origin string, opts ...RunOption) (*Run, error) {
	if user == "" {
		return nil, fmt.Errorf("inbound message without user")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("inbound message from %s is empty", user)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	run := NewRun(user, text, origin)
	for _, opt := range opts {
		opt(run)
	}
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	g.logger.Debug("run enqueued", "run_id", string(run.ID), "user_id", string(user), "origin", origin)
	return run, nil
}

// Send enqueues text and blocks until its turn has ended.
func (g *Gateway) Send(ctx context.Context, user types.UserID, text, origin string) error {
	done := make(chan error, 1)
	if _, err := g.HandleInbound(ctx, user, text, origin, WithOnComplete(func(err error) { done <- err })); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
