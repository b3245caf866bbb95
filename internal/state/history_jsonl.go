package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/types"
)

// JSONLHistory is a JSONL-backed append-only event.HistoryStore.
// Events are stored per user in users/<user>/events.jsonl. The file of a user
// is scanned once; afterwards appends and reads go through an in-memory
// index of line offsets, so the store must own the files it was given.
type JSONLHistory struct {
	root string
	mu   sync.Mutex
	logs map[types.UserID]*userLog
}

// userLog indexes one events file. Record seq n starts at offsets[n-1].
type userLog struct {
	mu      sync.Mutex
	loaded  bool
	offsets []int64
	end     int64
	ids     map[types.EventID]struct{}
}

// NewJSONLHistory creates a new file-backed history rooted at the given directory.
func NewJSONLHistory(root string) *JSONLHistory {
	return &JSONLHistory{
		root: root,
		logs: make(map[types.UserID]*userLog),
	}
}

type jsonlRecord struct {
	Seq    int64           `json:"seq"`
	Tokens int             `json:"n_tokens"`
	Event  json.RawMessage `json:"event"`
}

// userLog returns the index of user, creating an empty one if it doesn't
// exist. The index is loaded lazily under its own lock.
func (h *JSONLHistory) userLog(user types.UserID) *userLog {
	h.mu.Lock()
	defer h.mu.Unlock()

	if l, ok := h.logs[user]; ok {
		return l
	}
	l := &userLog{ids: make(map[types.EventID]struct{})}
	h.logs[user] = l
	return l
}

func (h *JSONLHistory) eventsPath(user types.UserID) string {
	return filepath.Join(h.root, "users", url.PathEscape(string(user)), "events.jsonl")
}

// load scans the events file of user into l. Caller must hold l.mu.
func (h *JSONLHistory) load(user types.UserID, l *userLog) error {
	if l.loaded {
		return nil
	}
	f, err := os.Open(h.eventsPath(user))
	if err != nil {
		if os.IsNotExist(err) {
			l.loaded = true
			return nil
		}
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var offset int64
	br := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				return fmt.Errorf("events file has a truncated record at offset %d", offset)
			}
			var rec jsonlRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			var head struct {
				ID types.EventID `json:"id"`
			}
			if err := json.Unmarshal(rec.Event, &head); err != nil {
				return fmt.Errorf("unmarshal event: %w", err)
			}
			l.offsets = append(l.offsets, offset)
			l.ids[head.ID] = struct{}{}
			offset += int64(len(line))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read events file: %w", err)
		}
	}
	l.end = offset
	l.loaded = true
	return nil
}

// readAt decodes the record with index i. Caller must hold l.mu.
func (l *userLog) readAt(f *os.File, i int) (event.Record, error) {
	next := l.end
	if i+1 < len(l.offsets) {
		next = l.offsets[i+1]
	}
	buf := make([]byte, next-l.offsets[i])
	if _, err := f.ReadAt(buf, l.offsets[i]); err != nil {
		return event.Record{}, fmt.Errorf("read record %d: %w", i+1, err)
	}
	var line jsonlRecord
	if err := json.Unmarshal(buf, &line); err != nil {
		return event.Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	ev, err := event.Decode(line.Event)
	if err != nil {
		return event.Record{}, err
	}
	return event.Record{Seq: line.Seq, Event: ev, Tokens: line.Tokens}, nil
}

// Append adds a final event to the user's log with an auto-incremented
// sequence number. Deltas, status events and already stored ids are skipped.
func (h *JSONLHistory) Append(_ context.Context, user types.UserID, rec event.Record) error {
	if !event.Persistable(rec.Event) {
		return nil
	}

	l := h.userLog(user)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := h.load(user, l); err != nil {
		return err
	}
	id := rec.Event.Base().ID
	if _, ok := l.ids[id]; ok {
		return nil
	}

	payload, err := event.Marshal(rec.Event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(jsonlRecord{Seq: int64(len(l.offsets)) + 1, Tokens: rec.Tokens, Event: payload})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	path := h.eventsPath(user)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	l.offsets = append(l.offsets, l.end)
	l.end += int64(len(data))
	l.ids[id] = struct{}{}
	return nil
}

// scan calls fn with the records of user below seq before (all when zero),
// newest first when newest is set, until fn returns false. Only the records
// visited are read from disk.
func (h *JSONLHistory) scan(user types.UserID, before int64, newest bool, fn func(event.Record) bool) error {
	l := h.userLog(user)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := h.load(user, l); err != nil {
		return err
	}
	if len(l.offsets) == 0 {
		return nil
	}
	f, err := os.Open(h.eventsPath(user))
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	n := len(l.offsets)
	if before > 0 && before-1 < int64(n) {
		n = int(before - 1)
	}
	for k := 0; k < n; k++ {
		i := k
		if newest {
			i = n - 1 - k
		}
		rec, err := l.readAt(f, i)
		if err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// LoadWindow returns the records of user selected by w.
func (h *JSONLHistory) LoadWindow(_ context.Context, user types.UserID, w event.Window) ([]event.Record, error) {
	var out []event.Record
	err := h.scan(user, w.BeforeSeq, w.Order == event.NewestFirst, func(r event.Record) bool {
		at := r.Event.Base().CreatedAt
		if !w.Since.IsZero() && !at.After(w.Since) {
			return true
		}
		if !w.Until.IsZero() && !at.Before(w.Until) {
			return true
		}
		out = append(out, r)
		return w.Limit <= 0 || len(out) < w.Limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LastUserMessage returns the newest user event, or nil if there is none.
func (h *JSONLHistory) LastUserMessage(_ context.Context, user types.UserID) (*event.User, error) {
	var found *event.User
	err := h.scan(user, 0, true, func(r event.Record) bool {
		found, _ = r.Event.(*event.User)
		return found == nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
