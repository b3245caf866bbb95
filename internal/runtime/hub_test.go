package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/user/hexe/internal/event"
)

func testHub(size int) *hub {
	return newHub(size, slog.Default())
}

func TestHubDeliversInOrder(t *testing.T) {
	h := testHub(16)
	got := make(chan string, 10)
	unsub, err := h.subscribe(func(ev event.Event) { got <- ev.(*event.User).Content })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	for _, s := range []string{"a", "b", "c"} {
		h.publish(event.NewUser(s))
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case s := <-got:
			if s != want {
				t.Fatalf("expected %q, got %q", want, s)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := testHub(2)
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	unsub, err := h.subscribe(func(ev event.Event) {
		<-release
		mu.Lock()
		seen = append(seen, ev.(*event.User).Content)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	fast, err := h.stream()
	if err != nil {
		t.Fatal(err)
	}
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		for _, s := range []string{"1", "2", "3", "4", "5"} {
			h.publish(event.NewUser(s))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if fast.Dropped() != 3 {
		t.Errorf("expected 3 dropped events, got %d", fast.Dropped())
	}
	for _, want := range []string{"4", "5"} {
		ev, err := fast.Next(context.Background(), time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if got := ev.(*event.User).Content; got != want {
			t.Errorf("expected newest events to survive, got %q want %q", got, want)
		}
	}
	close(release)
}

func TestHubUnsubscribeFromHandler(t *testing.T) {
	h := testHub(16)
	calls := make(chan struct{}, 10)
	var unsub func()
	var once sync.Once
	ready := make(chan struct{})
	var err error
	unsub, err = h.subscribe(func(event.Event) {
		<-ready
		calls <- struct{}{}
		once.Do(unsub)
	})
	if err != nil {
		t.Fatal(err)
	}
	close(ready)

	h.publish(event.NewUser("a"))
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	h.publish(event.NewUser("b"))
	select {
	case <-calls:
		t.Fatal("handler called after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamHeartbeatKeepsEvents(t *testing.T) {
	h := testHub(16)
	s, err := h.stream()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Next(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrHeartbeat) {
		t.Fatalf("expected heartbeat, got %v", err)
	}

	h.publish(event.NewUser("after"))
	ev, err := s.Next(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ev.(*event.User).Content != "after" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestStreamDrainsBeforeClose(t *testing.T) {
	h := testHub(16)
	s, err := h.stream()
	if err != nil {
		t.Fatal(err)
	}
	h.publish(event.NewUser("last"))
	h.close()

	ev, err := s.Next(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ev.(*event.User).Content != "last" {
		t.Errorf("unexpected event %+v", ev)
	}
	if _, err := s.Next(context.Background(), time.Second); !errors.Is(err, ErrThreadClosed) {
		t.Fatalf("expected ErrThreadClosed, got %v", err)
	}
	if _, err := h.stream(); !errors.Is(err, ErrThreadClosed) {
		t.Fatalf("expected ErrThreadClosed for new streams, got %v", err)
	}
}

func TestStreamHonoursContext(t *testing.T) {
	h := testHub(16)
	s, _ := h.stream()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
