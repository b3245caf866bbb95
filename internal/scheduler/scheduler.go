// Package scheduler runs cron jobs: user tasks that send a prompt into a
// conversation, and the purge of expired notes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/user/hexe/internal/state"
	"github.com/user/hexe/internal/types"
)

// DefaultPurgeSchedule is how often expired notes are removed.
const DefaultPurgeSchedule = "@hourly"

// Handler is the callback invoked when a scheduled task fires.
type Handler func(user types.UserID, prompt string)

// Options tunes a Scheduler. Zero values select the defaults.
type Options struct {
	PurgeSchedule string
	Logger        *slog.Logger
}

// Scheduler evaluates cron expressions from the task store and fires tasks
// through a handler callback.
type Scheduler struct {
	tasks   *state.TaskStore
	notes   types.NoteStore
	handler Handler
	purge   string
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is a schedule the scheduler accepts.
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// New creates a Scheduler. tasks and notes may be nil to disable the
// corresponding jobs.
func New(tasks *state.TaskStore, notes types.NoteStore, handler Handler, opts Options) *Scheduler {
	if opts.PurgeSchedule == "" {
		opts.PurgeSchedule = DefaultPurgeSchedule
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		tasks:   tasks,
		notes:   notes,
		handler: handler,
		purge:   opts.PurgeSchedule,
		logger:  opts.Logger.With("component", "scheduler"),
		now:     time.Now,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers the purge job and every enabled task, then starts the
// cron ticker. Tasks with an invalid schedule are logged and skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule()
}

func (s *Scheduler) schedule() error {
	if s.notes != nil {
		if _, err := s.cron.AddFunc(s.purge, s.purgeNotes); err != nil {
			return err
		}
	}

	if s.tasks != nil && s.handler != nil {
		tasks, err := s.tasks.List()
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.Schedule == "" || !task.Enabled {
				continue
			}

			user, prompt, name := task.User, task.Prompt, task.Name
			_, err := s.cron.AddFunc(task.Schedule, func() {
				s.logger.Info("cron firing task", "name", name, "user_id", string(user))
				s.handler(user, prompt)
			})
			if err != nil {
				s.logger.Error("invalid cron schedule", "name", name, "schedule", task.Schedule, "error", err)
				continue
			}
			s.logger.Info("scheduled task", "name", name, "schedule", task.Schedule)
		}
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) purgeNotes() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.notes.PurgeExpired(ctx, s.now())
	if err != nil {
		s.logger.Error("purge expired notes", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("purged expired notes", "count", n)
	}
}

// Reload rebuilds every job from the task store. Running jobs finish
// first.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.schedule()
}

// Stop stops the cron ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	<-s.cron.Stop().Done()
}
