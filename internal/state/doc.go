// Package state provides SQLite- and filesystem-backed storage implementations.
package state

import (
	"errors"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Compile-time interface compliance checks.
var _ event.HistoryStore = (*SQLiteHistory)(nil)
var _ event.HistoryStore = (*JSONLHistory)(nil)
var _ types.NoteStore = (*SQLiteNotes)(nil)
