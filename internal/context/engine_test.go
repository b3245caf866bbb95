package context

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/types"
)

// wordCounter counts whitespace-separated words.
type wordCounter struct{}

func (wordCounter) Count(s string) int { return len(strings.Fields(s)) }

// memHistory is an in-memory event.HistoryStore.
type memHistory struct {
	mu      sync.Mutex
	records map[types.UserID][]event.Record
	seq     int64
	loads   int
}

func newMemHistory() *memHistory {
	return &memHistory{records: make(map[types.UserID][]event.Record)}
}

func (h *memHistory) Append(_ context.Context, user types.UserID, rec event.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	rec.Seq = h.seq
	h.records[user] = append(h.records[user], rec)
	return nil
}

func (h *memHistory) LoadWindow(_ context.Context, user types.UserID, w event.Window) ([]event.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loads++
	var out []event.Record
	recs := h.records[user]
	for i := len(recs) - 1; i >= 0 && len(out) < w.Limit; i-- {
		if w.BeforeSeq != 0 && recs[i].Seq >= w.BeforeSeq {
			continue
		}
		out = append(out, recs[i])
	}
	return out, nil
}

func (h *memHistory) LastUserMessage(_ context.Context, user types.UserID) (*event.User, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	recs := h.records[user]
	for i := len(recs) - 1; i >= 0; i-- {
		if u, ok := recs[i].Event.(*event.User); ok {
			return u, nil
		}
	}
	return nil, nil
}

// memNotes returns fixed query results.
type memNotes struct {
	results []types.Note
	queries []string
}

func (n *memNotes) Save(context.Context, types.UserID, []types.Note) error   { return nil }
func (n *memNotes) Delete(context.Context, types.UserID, []types.NoteID) error { return nil }
func (n *memNotes) PurgeExpired(context.Context, time.Time) (int, error)      { return 0, nil }
func (n *memNotes) Query(_ context.Context, _ types.UserID, text string, _ int, _ float64) ([]types.Note, error) {
	n.queries = append(n.queries, text)
	return n.results, nil
}

func appendText(t *testing.T, h *memHistory, user types.UserID, text string, tokens int) {
	t.Helper()
	if err := h.Append(context.Background(), user, event.Record{Event: event.NewUser(text), Tokens: tokens}); err != nil {
		t.Fatal(err)
	}
}

func TestLoadByTokensStopsAtFirstOverflow(t *testing.T) {
	h := newMemHistory()
	appendText(t, h, "u", "a", 1)
	appendText(t, h, "u", "b", 1)
	appendText(t, h, "u", "big", 50)
	appendText(t, h, "u", "c", 3)
	appendText(t, h, "u", "d", 4)

	recs, err := LoadByTokens(context.Background(), h, "u", 10)
	if err != nil {
		t.Fatal(err)
	}
	// "a" and "b" would fit but lie behind "big"; they must not be included.
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Event.(*event.User).Content != "c" || recs[1].Event.(*event.User).Content != "d" {
		t.Errorf("expected oldest-first [c d], got [%s %s]",
			recs[0].Event.(*event.User).Content, recs[1].Event.(*event.User).Content)
	}
}

func TestLoadByTokensSpansBatches(t *testing.T) {
	h := newMemHistory()
	for i := 0; i < 25; i++ {
		appendText(t, h, "u", "x", 2)
	}

	recs, err := LoadByTokens(context.Background(), h, "u", 40)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 20 {
		t.Fatalf("expected 20 records, got %d", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Seq != recs[i-1].Seq+1 {
			t.Fatalf("expected contiguous sequence, got gap between %d and %d", recs[i-1].Seq, recs[i].Seq)
		}
	}
	if recs[len(recs)-1].Seq != 25 {
		t.Errorf("expected window to end at the newest record, got %d", recs[len(recs)-1].Seq)
	}
}

func TestLoadByTokensNeverExceedsBudget(t *testing.T) {
	h := newMemHistory()
	sizes := []int{7, 3, 9, 1, 4, 4, 8, 2, 6, 5, 3, 1}
	for _, n := range sizes {
		appendText(t, h, "u", "x", n)
	}

	for budget := 0; budget <= 60; budget++ {
		recs, err := LoadByTokens(context.Background(), h, "u", budget)
		if err != nil {
			t.Fatal(err)
		}
		total := 0
		for _, r := range recs {
			total += r.Tokens
		}
		if total > budget {
			t.Fatalf("budget %d: total %d exceeds budget", budget, total)
		}
		if len(recs) > 0 && recs[len(recs)-1].Seq != int64(len(sizes)) {
			t.Fatalf("budget %d: window does not end at the newest record", budget)
		}
	}
}

func TestLoadByTokensEmptyHistory(t *testing.T) {
	h := newMemHistory()
	recs, err := LoadByTokens(context.Background(), h, "nobody", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no records, got %d", len(recs))
	}
	if h.loads != 1 {
		t.Errorf("expected a single load, got %d", h.loads)
	}
}

func TestTruncateNotes(t *testing.T) {
	notes := []types.Note{{TokenCount: 500}, {TokenCount: 500}, {TokenCount: 100}}
	if got := TruncateNotes(notes, 1024); len(got) != 2 {
		t.Errorf("expected 2 notes, got %d", len(got))
	}
	if got := TruncateNotes(notes, 2000); len(got) != 3 {
		t.Errorf("expected 3 notes, got %d", len(got))
	}
}

func TestBuildIncludesNotesAndHistory(t *testing.T) {
	h := newMemHistory()
	appendText(t, h, "u", "what do I like?", 4)

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	notes := &memNotes{results: []types.Note{
		{ID: "n1", Content: "likes green tea", CreatedAt: created, TokenCount: 3},
		{ID: "n2", Content: "lives in Tokyo", CreatedAt: created, TokenCount: 3},
	}}

	e, err := New(wordCounter{}, h, notes, Options{})
	if err != nil {
		t.Fatal(err)
	}

	tokyo := time.FixedZone("JST", 9*3600)
	now := time.Date(2024, 3, 2, 9, 0, 0, 0, tokyo)
	messages, err := e.Build(context.Background(), "u", now)
	if err != nil {
		t.Fatal(err)
	}

	if len(messages) != 2 {
		t.Fatalf("expected system + 1 history message, got %d", len(messages))
	}
	if messages[0].Role != "system" {
		t.Errorf("expected system message first, got %q", messages[0].Role)
	}
	sys := *messages[0].Content
	if !strings.Contains(sys, "You are Hexe") {
		t.Error("expected assistant identity in system prompt")
	}
	if !strings.Contains(sys, "Current datetime: 2024-03-02T09:00:00+09:00") {
		t.Errorf("expected local time in system prompt, got:\n%s", sys)
	}
	if !strings.Contains(sys, "likes green tea (2024-03-01T21:00:00+09:00)\n---\nlives in Tokyo") {
		t.Errorf("expected notes block, got:\n%s", sys)
	}
	if len(notes.queries) != 1 || notes.queries[0] != "what do I like?" {
		t.Errorf("expected notes queried with last user message, got %v", notes.queries)
	}
	if messages[1].Role != "user" || *messages[1].Content != "what do I like?" {
		t.Errorf("unexpected history message %+v", messages[1])
	}
}

func TestBuildWithoutNotes(t *testing.T) {
	h := newMemHistory()
	e, err := New(wordCounter{}, h, &memNotes{}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	messages, err := e.Build(context.Background(), "u", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(*messages[0].Content, "(Notes related to the topic are not found)") {
		t.Error("expected placeholder for missing notes")
	}
}

func TestBuildMergesFunctionCallMessages(t *testing.T) {
	h := newMemHistory()
	ctx := context.Background()
	var src types.MessageID = "m1"
	for _, ev := range []event.Event{
		event.NewUser("run it"),
		event.NewAssistant(src, "Running.", false),
		event.NewFunctionCall(src, "run_code", `{"language":"python","code":"1+1"}`, false),
		event.NewFunctionOutput(src, "run_code", "2", false),
	} {
		if err := h.Append(ctx, "u", event.Record{Event: ev, Tokens: 1}); err != nil {
			t.Fatal(err)
		}
	}

	e, err := New(wordCounter{}, h, &memNotes{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	messages, err := e.Build(ctx, "u", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	call := messages[2]
	if call.Role != "assistant" || call.FunctionCall == nil || call.FunctionCall.Name != "run_code" {
		t.Errorf("expected merged assistant function call, got %+v", call)
	}
	if call.Content == nil || *call.Content != "Running." {
		t.Errorf("expected merged assistant text, got %v", call.Content)
	}
	if messages[3].Role != "function" || messages[3].Name != "run_code" {
		t.Errorf("expected function message, got %+v", messages[3])
	}
}

func TestTokenizerCount(t *testing.T) {
	tok, err := NewTokenizer("gpt-3.5-turbo")
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}
	if tok.Count("") != 0 {
		t.Error("expected zero tokens for empty text")
	}
	if tok.Count("hello world") != tok.Count("hello world") {
		t.Error("expected deterministic counts")
	}
	if tok.Count("hello world") <= 0 {
		t.Error("expected positive token count")
	}
}
