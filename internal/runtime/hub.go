package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/types"
)

var (
	// ErrHeartbeat is returned by Stream.Next when no event arrived within
	// the timeout.
	ErrHeartbeat = errors.New("heartbeat")
	// ErrThreadClosed is returned when subscribing to, or waiting on, a
	// thread that has been closed.
	ErrThreadClosed = errors.New("thread closed")
)

// DefaultQueueSize is the number of undelivered events a subscriber may fall
// behind before the oldest are dropped.
const DefaultQueueSize = 256

// hub fans out events to subscribers. Every subscriber owns a bounded queue,
// so publishing never waits for a subscriber.
type hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	next   uint64
	size   int
	closed bool
	logger *slog.Logger
}

func newHub(size int, logger *slog.Logger) *hub {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &hub{subs: make(map[uint64]*subscription), size: size, logger: logger}
}

type subscription struct {
	mu      sync.Mutex
	queue   []event.Event
	size    int
	dropped int
	ready   chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) push(ev event.Event) (dropped bool) {
	s.mu.Lock()
	if len(s.queue) >= s.size {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return dropped
}

func (s *subscription) pop() (event.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	ev := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return ev, true
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (h *hub) add() (uint64, *subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, nil, ErrThreadClosed
	}
	h.next++
	s := &subscription{
		size:  h.size,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	h.subs[h.next] = s
	return h.next, s, nil
}

func (h *hub) remove(id uint64) {
	h.mu.Lock()
	s, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		s.stop()
	}
}

// publish enqueues ev on every current subscriber.
func (h *hub) publish(ev event.Event) {
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if s.push(ev) {
			h.logger.Warn("subscriber queue full, dropped oldest event", "event_type", string(ev.Type()))
		}
	}
}

// subscribe delivers events to handler on a dedicated goroutine, in
// publication order. The returned function stops delivery; it may be called
// from within handler.
func (h *hub) subscribe(handler func(event.Event)) (func(), error) {
	id, s, err := h.add()
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-s.ready:
			}
			for {
				select {
				case <-s.done:
					return
				default:
				}
				ev, ok := s.pop()
				if !ok {
					break
				}
				handler(ev)
			}
		}
	}()

	return func() { h.remove(id) }, nil
}

// stream returns a pull subscription.
func (h *hub) stream() (*Stream, error) {
	id, s, err := h.add()
	if err != nil {
		return nil, err
	}
	return &Stream{hub: h, id: id, sub: s}, nil
}

// seal refuses new subscribers. Existing ones keep receiving events.
func (h *hub) seal() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// close seals the hub and releases every subscriber. Streams still return
// what was queued before they report ErrThreadClosed.
func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// Stream is a pull subscription to a thread's events.
type Stream struct {
	hub *hub
	id  uint64
	sub *subscription
}

// Next returns the next event. When none arrives within timeout it returns
// ErrHeartbeat and the stream stays usable. Once the thread is closed and
// the queue is drained it returns ErrThreadClosed.
func (s *Stream) Next(ctx context.Context, timeout time.Duration) (event.Event, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		if ev, ok := s.sub.pop(); ok {
			return ev, nil
		}
		select {
		case <-s.sub.ready:
		case <-s.sub.done:
			if ev, ok := s.sub.pop(); ok {
				return ev, nil
			}
			return nil, ErrThreadClosed
		case <-timer:
			return nil, ErrHeartbeat
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dropped reports how many events were discarded because the stream fell
// behind.
func (s *Stream) Dropped() int {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	return s.sub.dropped
}

// Close ends the subscription.
func (s *Stream) Close() {
	s.hub.remove(s.id)
}

// Turn collects the final events of the turn whose status notifications
// carry source, up to its closing status. Events outside that bracket are
// skipped. On error the events gathered so far are returned with it.
func (s *Stream) Turn(ctx context.Context, source types.MessageID) ([]event.Event, error) {
	var out []event.Event
	started := false
	for {
		ev, err := s.Next(ctx, 0)
		if err != nil {
			return out, err
		}
		if st, ok := ev.(*event.Status); ok && st.Source == source {
			if !st.Generating {
				return out, nil
			}
			started = true
			continue
		}
		if started && ev.IsFinal() {
			out = append(out, ev)
		}
	}
}
