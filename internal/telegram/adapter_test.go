package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/hexe/internal/gateway"
	"github.com/user/hexe/internal/runtime"
	"github.com/user/hexe/internal/state"
	"github.com/user/hexe/internal/types"
	"github.com/user/hexe/pkg/llm"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	got  chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{got: make(chan struct{}, 16)}
}

func (r *recordingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	r.mu.Lock()
	r.sent = append(r.sent, c.(tgbotapi.MessageConfig).Text)
	r.mu.Unlock()
	r.got <- struct{}{}
	return tgbotapi.Message{}, nil
}

func (r *recordingSender) wait(t *testing.T) string {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no message sent")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

type runeCounter struct{}

func (runeCounter) Count(s string) int { return len([]rune(s)) }

type emptyContext struct{}

func (emptyContext) Build(context.Context, types.UserID, time.Time) ([]llm.Message, error) {
	return nil, nil
}

type replyProvider struct{ reply string }

func (p replyProvider) Stream(context.Context, llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Content: p.reply}
	ch <- llm.Chunk{FinishReason: llm.FinishStop}
	close(ch)
	return ch, nil
}

func setupAdapter(t *testing.T) (*Adapter, *recordingSender, *runtime.ThreadManager) {
	t.Helper()
	dir := t.TempDir()
	profiles := state.NewProfileStore(dir)
	mgr := runtime.NewThreadManager(runtime.Deps{
		Provider:  replyProvider{reply: "Hi there"},
		Assembler: emptyContext{},
		History:   state.NewJSONLHistory(dir),
		Counter:   runeCounter{},
	}, runtime.Options{}, profiles)

	gw := gateway.New(2, nil)
	gw.Queue.SetProcessor(mgr.ProcessRun)
	gw.Start(context.Background())
	t.Cleanup(func() {
		gw.Stop()
		mgr.Shutdown(context.Background())
	})

	sender := newRecordingSender()
	return newAdapter(sender, gw, mgr, profiles, nil), sender, mgr
}

func message(text string) *tgbotapi.Message {
	msg := &tgbotapi.Message{
		Text: text,
		Chat: &tgbotapi.Chat{ID: 7},
		From: &tgbotapi.User{ID: 42},
	}
	if strings.HasPrefix(text, "/") {
		name, _, _ := strings.Cut(text, " ")
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}}
	}
	return msg
}

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestSplitMessageKeepsRunes(t *testing.T) {
	long := strings.Repeat("é", 3000)
	parts := splitMessage(long)
	if strings.Join(parts, "") != long {
		t.Fatal("parts must add up to the original text")
	}
	for i, p := range parts {
		if !utf8.ValidString(p) {
			t.Errorf("part %d is not valid UTF-8", i)
		}
		if len(p) > maxTelegramMessage {
			t.Errorf("part %d is %d bytes", i, len(p))
		}
	}
}

func TestUserID(t *testing.T) {
	if got := userID(12345); got != "telegram:12345" {
		t.Errorf("expected 'telegram:12345', got %q", got)
	}
}

func TestMessageRepliesWithTurn(t *testing.T) {
	a, sender, _ := setupAdapter(t)

	a.handleMessage(context.Background(), message("hello"))
	if got := sender.wait(t); got != "Hi there" {
		t.Errorf("expected assistant reply, got %q", got)
	}
}

func TestTimezoneCommand(t *testing.T) {
	a, sender, mgr := setupAdapter(t)
	ctx := context.Background()

	a.handleMessage(ctx, message("/timezone Asia/Tokyo"))
	if got := sender.wait(t); got != "Timezone set to Asia/Tokyo." {
		t.Fatalf("unexpected reply %q", got)
	}
	th, err := mgr.Get(ctx, "telegram:42")
	if err != nil {
		t.Fatal(err)
	}
	if th.Location().String() != "Asia/Tokyo" {
		t.Errorf("expected thread in Asia/Tokyo, got %s", th.Location())
	}

	a.handleMessage(ctx, message("/timezone Mars/Olympus"))
	if got := sender.wait(t); !strings.HasPrefix(got, "Unknown timezone") {
		t.Errorf("unexpected reply %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	a, sender, _ := setupAdapter(t)

	a.handleMessage(context.Background(), message("/dance"))
	if got := sender.wait(t); !strings.HasPrefix(got, "Unknown command.") {
		t.Errorf("unexpected reply %q", got)
	}
}

func TestSendTo(t *testing.T) {
	a, sender, _ := setupAdapter(t)

	if err := a.SendTo("telegram:42", "reminder"); err != nil {
		t.Fatal(err)
	}
	if got := sender.wait(t); got != "reminder" {
		t.Errorf("unexpected message %q", got)
	}
	if err := a.SendTo("web:42", "x"); err == nil {
		t.Error("expected an error for a non-telegram user")
	}
	if err := a.SendTo("telegram:abc", "x"); err == nil {
		t.Error("expected an error for a malformed id")
	}
}
