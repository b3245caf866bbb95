package state

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/user/hexe/internal/types"
	"github.com/user/hexe/pkg/llm"
)

const notesSchema = `
CREATE TABLE IF NOT EXISTS notes (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at REAL NOT NULL,
	expires_at REAL NOT NULL,
	n_tokens   INTEGER NOT NULL,
	embedding  BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_user_expires ON notes(user_id, expires_at);
`

// SQLiteNotes stores notes with their embeddings and ranks them by cosine
// distance to a query.
type SQLiteNotes struct {
	db       *sql.DB
	embedder llm.Embedder
	logger   *slog.Logger
	now      func() time.Time
}

// NewSQLiteNotes creates the notes table in db if needed.
func NewSQLiteNotes(db *sql.DB, embedder llm.Embedder, logger *slog.Logger) (*SQLiteNotes, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := migrate(db, notesSchema); err != nil {
		return nil, err
	}
	return &SQLiteNotes{
		db:       db,
		embedder: embedder,
		logger:   logger.With("component", "notes"),
		now:      time.Now,
	}, nil
}

func unix(t time.Time) float64 { return float64(t.UnixMicro()) / 1e6 }

func fromUnix(f float64) time.Time { return time.UnixMicro(int64(math.Round(f * 1e6))).UTC() }

// Save stores notes for user, skipping ids that already exist.
func (s *SQLiteNotes) Save(ctx context.Context, user types.UserID, notes []types.Note) error {
	fresh, err := s.missing(ctx, notes)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}

	texts := make([]string, len(fresh))
	for i, n := range fresh {
		texts[i] = n.Content
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed notes: %w", err)
	}
	if len(vectors) != len(fresh) {
		return fmt.Errorf("embed notes: got %d vectors for %d notes", len(vectors), len(fresh))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for i, n := range fresh {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO notes (id, user_id, content, created_at, expires_at, n_tokens, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(n.ID), string(user), n.Content, unix(n.CreatedAt), unix(n.ExpiresAt), n.TokenCount,
			encodeEmbedding(vectors[i]),
		); err != nil {
			return fmt.Errorf("insert note: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notes: %w", err)
	}
	s.logger.Debug("notes saved", "user_id", user, "count", len(fresh))
	return nil
}

// missing returns the notes whose ids are not stored yet, deduplicated.
func (s *SQLiteNotes) missing(ctx context.Context, notes []types.Note) ([]types.Note, error) {
	seen := make(map[types.NoteID]bool, len(notes))
	var out []types.Note
	for _, n := range notes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true

		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE id = ?`, string(n.ID)).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check note: %w", err)
		}
		if exists == 0 {
			out = append(out, n)
		}
	}
	return out, nil
}

// Delete removes the notes with the given ids owned by user.
func (s *SQLiteNotes) Delete(ctx context.Context, user types.UserID, ids []types.NoteID) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{string(user)}
	for _, id := range ids {
		args = append(args, string(id))
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM notes WHERE user_id = ? AND id IN (`+placeholders+`)`, args...,
	); err != nil {
		return fmt.Errorf("delete notes: %w", err)
	}
	return nil
}

// Query returns up to maxResults unexpired notes of user whose cosine
// distance to text is at most threshold, closest first.
func (s *SQLiteNotes) Query(ctx context.Context, user types.UserID, text string, maxResults int, threshold float64) ([]types.Note, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}
	query := vectors[0]

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at, expires_at, n_tokens, embedding
		 FROM notes WHERE user_id = ? AND expires_at > ?`,
		string(user), unix(s.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	var out []types.Note
	for rows.Next() {
		var (
			n                types.Note
			id               string
			created, expires float64
			embedding        []byte
		)
		if err := rows.Scan(&id, &n.Content, &created, &expires, &n.TokenCount, &embedding); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		d := CosineDistance(query, decodeEmbedding(embedding))
		if d > threshold {
			continue
		}
		n.ID = types.NoteID(id)
		n.CreatedAt = fromUnix(created)
		n.ExpiresAt = fromUnix(expires)
		n.Distance = &d
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return *out[i].Distance < *out[j].Distance })
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// PurgeExpired deletes every note that expired before now.
func (s *SQLiteNotes) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE expires_at <= ?`, unix(now))
	if err != nil {
		return 0, fmt.Errorf("purge notes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge notes: %w", err)
	}
	return int(n), nil
}

// CosineDistance is 1 minus the cosine similarity of a and b. Vectors of
// different length or zero norm are maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	result := make([]float32, len(data)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return result
}
