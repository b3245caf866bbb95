package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/types"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS history (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	n_tokens   INTEGER NOT NULL,
	created_at REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_user_seq ON history(user_id, seq);
CREATE INDEX IF NOT EXISTS idx_history_user_type ON history(user_id, type, seq);
`

// SQLiteHistory is a SQLite-backed event.HistoryStore.
type SQLiteHistory struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteHistory creates the history table in db if needed.
func NewSQLiteHistory(db *sql.DB, logger *slog.Logger) (*SQLiteHistory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := migrate(db, historySchema); err != nil {
		return nil, err
	}
	return &SQLiteHistory{db: db, logger: logger.With("component", "history")}, nil
}

// Append stores a final event. Deltas and status events are not history and
// are ignored. Appending an event id twice is a no-op.
func (h *SQLiteHistory) Append(ctx context.Context, user types.UserID, rec event.Record) error {
	if !event.Persistable(rec.Event) {
		return nil
	}
	payload, err := event.Marshal(rec.Event)
	if err != nil {
		return err
	}
	base := rec.Event.Base()
	_, err = h.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO history (id, user_id, type, payload, n_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(base.ID), string(user), string(rec.Event.Type()), string(payload), rec.Tokens,
		float64(base.CreatedAt.UnixMicro())/1e6,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	h.logger.Debug("event appended", "user_id", user, "event_id", base.ID, "type", rec.Event.Type())
	return nil
}

// LoadWindow returns the records of user selected by w.
func (h *SQLiteHistory) LoadWindow(ctx context.Context, user types.UserID, w event.Window) ([]event.Record, error) {
	var (
		where = []string{"user_id = ?"}
		args  = []any{string(user)}
	)
	if w.BeforeSeq > 0 {
		where = append(where, "seq < ?")
		args = append(args, w.BeforeSeq)
	}
	if !w.Since.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, float64(w.Since.UnixMicro())/1e6)
	}
	if !w.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, float64(w.Until.UnixMicro())/1e6)
	}

	order := "DESC"
	if w.Order == event.OldestFirst {
		order = "ASC"
	}
	limit := w.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT seq, payload, n_tokens FROM history WHERE %s ORDER BY seq %s LIMIT ?`,
		strings.Join(where, " AND "), order,
	)
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var (
			rec     event.Record
			payload string
		)
		if err := rows.Scan(&rec.Seq, &payload, &rec.Tokens); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if rec.Event, err = event.Decode([]byte(payload)); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastUserMessage returns the newest user event, or nil if there is none.
func (h *SQLiteHistory) LastUserMessage(ctx context.Context, user types.UserID) (*event.User, error) {
	var payload string
	err := h.db.QueryRowContext(ctx,
		`SELECT payload FROM history WHERE user_id = ? AND type = ? ORDER BY seq DESC LIMIT 1`,
		string(user), string(event.TypeUser),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last user message: %w", err)
	}

	ev, err := event.Decode([]byte(payload))
	if err != nil {
		return nil, err
	}
	u, ok := ev.(*event.User)
	if !ok {
		return nil, fmt.Errorf("last user message: unexpected type %s", ev.Type())
	}
	return u, nil
}
