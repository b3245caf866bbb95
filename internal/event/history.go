package event

import (
	"context"
	"time"

	"github.com/user/hexe/internal/types"
)

// Record is a stored event together with its cost in model tokens.
type Record struct {
	// Seq is assigned by the store and increases with every append.
	Seq    int64
	Event  Event
	Tokens int
}

type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// Window selects a slice of a user's history. Zero bounds are unbounded and
// all bounds are exclusive.
type Window struct {
	Limit     int
	Since     time.Time
	Until     time.Time
	BeforeSeq int64
	Order     Order
}

// HistoryStore persists final conversation events per user.
type HistoryStore interface {
	Append(ctx context.Context, user types.UserID, rec Record) error
	LoadWindow(ctx context.Context, user types.UserID, w Window) ([]Record, error)
	LastUserMessage(ctx context.Context, user types.UserID) (*User, error)
}
