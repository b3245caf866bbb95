package gateway

import (
	"context"
	"time"

	"github.com/user/hexe/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one user message waiting for, or going through, a conversation turn.
type Run struct {
	ID        types.RunID
	User      types.UserID
	Text      string
	Origin    string
	Status    RunStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error
	// Ctx is set by the queue before the processor is called.
	Ctx context.Context
	// OnComplete, if set, is called once the turn has ended.
	OnComplete func(err error)
}

// NewRun creates a Run in the Queued state.
func NewRun(user types.UserID, text, origin string) *Run {
	return &Run{
		ID:        types.NewRunID(),
		User:      user,
		Text:      text,
		Origin:    origin,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}
