package types

import (
	"context"
	"time"
)

// TokenCounter measures text in model tokens. Implementations must be pure.
type TokenCounter interface {
	Count(text string) int
}

// NoteStore keeps per-user notes searchable by similarity.
type NoteStore interface {
	// Save stores notes for user. Notes whose id already exists are skipped.
	Save(ctx context.Context, user UserID, notes []Note) error
	Delete(ctx context.Context, user UserID, ids []NoteID) error
	// Query returns unexpired notes whose distance to text is below
	// threshold, closest first.
	Query(ctx context.Context, user UserID, text string, maxResults int, threshold float64) ([]Note, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
