// Package tools implements the functions offered to the model.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ctxengine "github.com/user/hexe/internal/context"
	"github.com/user/hexe/internal/runtime"
	"github.com/user/hexe/internal/types"
)

// Terms maps the lifetimes the model may pick for a note to days. Expiry
// is computed with AddDate: time.Duration tops out near 292 years.
var Terms = map[string]int{
	"a day":   1,
	"a month": 30,
	"a year":  365,
	"forever": 1000 * 365,
}

const defaultTerm = "forever"

const (
	searchResults   = 100
	searchThreshold = 0.2
	searchBudget    = 2 * 1024
)

// isoFormat matches the timestamps shown to the model elsewhere.
const isoFormat = "2006-01-02T15:04:05.999999-07:00"

var (
	errNotesArg   = errors.New("`notes` argument must be a non-empty list of objects.")
	errContentArg = errors.New("`content` property of `notes` argument must be a non-empty string.")
	errTermArg    = errors.New("`available_term` property of `notes` argument must be one of `a day`, `a month`, `a year`, or `forever`.")
	errQueryReq   = errors.New("`query` argument is required.")
	errQueryArg   = errors.New("`query` argument must be a non-empty string.")
	errIDsReq     = errors.New("`ids` argument is required.")
	errIDsArg     = errors.New("`ids` argument must be a non-empty list.")
)

// SaveNotes stores notes for later recall.
type SaveNotes struct {
	notes   types.NoteStore
	counter types.TokenCounter
	now     func() time.Time
}

func NewSaveNotes(notes types.NoteStore, counter types.TokenCounter) *SaveNotes {
	return &SaveNotes{notes: notes, counter: counter, now: time.Now}
}

func (s *SaveNotes) Name() string        { return "save_notes" }
func (s *SaveNotes) Description() string { return "Save notes to remember it later." }
func (s *SaveNotes) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["notes"],
		"properties": {
			"notes": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["content", "available_term"],
					"properties": {
						"content": {"type": "string", "description": "The content to save. Follow 5W1H method to write each note."},
						"available_term": {"type": "string", "description": "How long the information is meaningful and useful.", "enum": ["a day", "a month", "a year", "forever"]}
					}
				},
				"minItems": 1
			}
		}
	}`)
}

func (s *SaveNotes) Execute(ctx context.Context, call *runtime.Call) (any, error) {
	var items []map[string]json.RawMessage
	raw, ok := call.Args["notes"]
	if !ok || json.Unmarshal(raw, &items) != nil || items == nil {
		return nil, errNotesArg
	}
	for _, item := range items {
		if item == nil {
			return nil, errNotesArg
		}
	}

	type entry struct {
		content string
		term    string
	}
	entries := make([]entry, 0, len(items))
	for _, item := range items {
		var content *string
		if json.Unmarshal(item["content"], &content) != nil || content == nil {
			return nil, errContentArg
		}
		e := entry{content: *content, term: defaultTerm}
		if raw, ok := item["available_term"]; ok {
			var term *string
			if json.Unmarshal(raw, &term) != nil || term == nil {
				return nil, errTermArg
			}
			e.term = *term
		}
		if _, ok := Terms[e.term]; !ok {
			return nil, errTermArg
		}
		entries = append(entries, e)
	}

	now := s.now()
	notes := make([]types.Note, 0, len(entries))
	for _, e := range entries {
		content := strings.TrimSpace(e.content)
		if content == "" {
			continue
		}
		n, err := types.NewNote(s.counter, call.User, content, now, now.AddDate(0, 0, Terms[e.term]))
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	if len(notes) == 0 {
		return nil, errNotesArg
	}

	if err := s.notes.Save(ctx, call.User, notes); err != nil {
		return nil, err
	}
	return map[string]any{"result": "succeed", "saved_notes": len(notes)}, nil
}

// SearchNotes finds saved notes similar to a query.
type SearchNotes struct {
	notes types.NoteStore
}

func NewSearchNotes(notes types.NoteStore) *SearchNotes {
	return &SearchNotes{notes: notes}
}

func (s *SearchNotes) Name() string { return "search_notes" }
func (s *SearchNotes) Description() string {
	return "Search notes that you saved. The result include IDs, created timestamps, and note contents."
}
func (s *SearchNotes) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string"}
		}
	}`)
}

type foundNote struct {
	ID        types.NoteID `json:"id"`
	CreatedAt string       `json:"created_at"`
	Content   string       `json:"content"`
}

func (s *SearchNotes) Execute(ctx context.Context, call *runtime.Call) (any, error) {
	raw, ok := call.Args["query"]
	if !ok {
		return nil, errQueryReq
	}
	var query string
	if json.Unmarshal(raw, &query) != nil {
		return nil, errQueryArg
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errQueryArg
	}

	all, err := s.notes.Query(ctx, call.User, query, searchResults, searchThreshold)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return map[string]string{
			"error": "No such notes found.",
			"rule":  "Before report it to user, try again with different query at least 3 times.",
		}, nil
	}

	loc := call.Location
	if loc == nil {
		loc = time.UTC
	}
	shown := ctxengine.TruncateNotes(all, searchBudget)
	found := make([]foundNote, len(shown))
	for i, n := range shown {
		found[i] = foundNote{
			ID:        n.ID,
			CreatedAt: n.CreatedAt.In(loc).Format(isoFormat),
			Content:   n.Content,
		}
	}
	return struct {
		Result string      `json:"result"`
		Notes  []foundNote `json:"notes"`
	}{
		Result: fmt.Sprintf("Found %d notes.", len(all)),
		Notes:  found,
	}, nil
}

// DeleteNotes removes saved notes by id.
type DeleteNotes struct {
	notes types.NoteStore
}

func NewDeleteNotes(notes types.NoteStore) *DeleteNotes {
	return &DeleteNotes{notes: notes}
}

func (d *DeleteNotes) Name() string        { return "delete_notes" }
func (d *DeleteNotes) Description() string { return "Delete notes that you saved." }
func (d *DeleteNotes) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["ids"],
		"properties": {
			"ids": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		}
	}`)
}

func (d *DeleteNotes) Execute(ctx context.Context, call *runtime.Call) (any, error) {
	raw, ok := call.Args["ids"]
	if !ok {
		return nil, errIDsReq
	}
	var values []json.RawMessage
	if json.Unmarshal(raw, &values) != nil || values == nil {
		return nil, errIDsArg
	}

	ids := make([]types.NoteID, 0, len(values))
	for _, v := range values {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, fmt.Errorf("invalid `ids` argument: %s is not a string", v)
		}
		id, err := types.ParseNoteID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid `ids` argument: %v", err)
		}
		ids = append(ids, id)
	}

	if err := d.notes.Delete(ctx, call.User, ids); err != nil {
		return nil, err
	}
	return map[string]any{"result": "succeed", "deleted_notes": len(ids)}, nil
}
