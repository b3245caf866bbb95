package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/hexe/internal/gateway"
	"github.com/user/hexe/internal/types"
)

// Locator resolves the timezone of a user.
type Locator interface {
	Location(ctx context.Context, user types.UserID, fallback *time.Location) *time.Location
}

// ThreadManager owns the live threads, one per user.
type ThreadManager struct {
	deps    Deps
	opts    Options
	locator Locator
	logger  *slog.Logger

	mu      sync.Mutex
	threads map[types.UserID]*Thread
	closed  bool
}

// NewThreadManager creates an empty registry. locator may be nil, in which
// case every thread uses opts.Location.
func NewThreadManager(deps Deps, opts Options, locator Locator) *ThreadManager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &ThreadManager{
		deps:    deps,
		opts:    opts,
		locator: locator,
		logger:  deps.Logger.With("component", "threads"),
		threads: make(map[types.UserID]*Thread),
	}
}

// Get returns the thread of user, creating it on first use.
func (m *ThreadManager) Get(ctx context.Context, user types.UserID) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrThreadClosed
	}
	if t, ok := m.threads[user]; ok {
		return t, nil
	}

	opts := m.opts
	if m.locator != nil {
		opts.Location = m.locator.Location(ctx, user, opts.Location)
	}
	t := NewThread(user, m.deps, opts)
	m.threads[user] = t
	m.logger.Debug("thread created", "user_id", string(user), "timezone", t.Location().String())
	return t, nil
}

// Users lists the users with a live thread.
func (m *ThreadManager) Users() []types.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.UserID, 0, len(m.threads))
	for u := range m.threads {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Evict forgets the thread of user and shuts it down, waiting for a turn in
// progress to finish. The next Get creates a new thread, picking up profile
// changes such as the timezone.
func (m *ThreadManager) Evict(ctx context.Context, user types.UserID) error {
	m.mu.Lock()
	t, ok := m.threads[user]
	delete(m.threads, user)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Shutdown(ctx)
}

// Shutdown shuts down every thread concurrently and waits for them.
func (m *ThreadManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	threads := m.threads
	m.threads = make(map[types.UserID]*Thread)
	m.mu.Unlock()

	var g errgroup.Group
	for _, t := range threads {
		g.Go(func() error { return t.Shutdown(ctx) })
	}
	return g.Wait()
}

// ProcessRun runs one queued message as a turn of its user's thread,
// bracketed by generating status notifications. It is the gateway queue's
// processor.
func (m *ThreadManager) ProcessRun(run *gateway.Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	t, err := m.Get(ctx, run.User)
	if err != nil {
		return fmt.Errorf("thread for %s: %w", run.User, err)
	}

	start := time.Now()
	err = t.RunTurn(ctx, types.MessageID(run.ID), run.Text)
	if errors.Is(err, ErrThreadClosed) {
		// Evicted between lookup and start; the replacement takes the turn.
		if t, err = m.Get(ctx, run.User); err == nil {
			err = t.RunTurn(ctx, types.MessageID(run.ID), run.Text)
		}
	}
	m.logger.Info("turn finished",
		"run_id", string(run.ID),
		"user_id", string(run.User),
		"origin", run.Origin,
		"duration", time.Since(start),
		"error", err,
	)
	return err
}
