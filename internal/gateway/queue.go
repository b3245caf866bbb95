package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/hexe/internal/types"
)

const laneBuffer = 100

// Queue manages per-user lanes with a global concurrency semaphore.
// Each user gets its own FIFO lane so that turns of one conversation never
// overlap, while the semaphore limits the number of concurrent turns across
// all users.
type Queue struct {
	lanes     map[types.UserID]chan *Run
	semaphore *semaphore.Weighted
	processor func(*Run) error
	active    atomic.Int64
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent turns to execute
// simultaneously across all user lanes.
func NewQueue(maxConcurrent int64, logger *slog.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		lanes:     make(map[types.UserID]chan *Run),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		logger:    logger.With("component", "queue"),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for user, lane := range q.lanes {
		close(lane)
		delete(q.lanes, user)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to its user's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil || q.ctx.Err() != nil {
		return fmt.Errorf("queue is not running")
	}

	lane, exists := q.lanes[run.User]
	if !exists {
		lane = make(chan *Run, laneBuffer)
		q.lanes[run.User] = lane
		q.wg.Add(1)
		go q.processLane(run.User, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("queue full for user %s", run.User)
	}
}

// processLane drains a single user lane, acquiring a semaphore slot before
// running the processor synchronously.
func (q *Queue) processLane(user types.UserID, lane chan *Run) {
	defer q.wg.Done()
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				q.finish(run, err)
				return
			}
			q.active.Add(1)
			q.execute(run)
			q.active.Add(-1)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) execute(run *Run) {
	now := time.Now()
	run.StartedAt = &now
	run.Status = RunStatusRunning
	run.Ctx = q.ctx

	var err error
	if q.processor != nil {
		err = q.processor(run)
	}
	if err != nil {
		q.logger.Error("run failed", "run_id", string(run.ID), "user_id", string(run.User), "error", err)
	}
	q.finish(run, err)
}

func (q *Queue) finish(run *Run, err error) {
	now := time.Now()
	run.EndedAt = &now
	run.Error = err
	run.Status = RunStatusComplete
	if err != nil {
		run.Status = RunStatusFailed
	}
	if run.OnComplete != nil {
		run.OnComplete(err)
	}
}

// WaitIdle blocks until no runs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Active returns the number of turns currently running.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}
