package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long Watch waits after the last change to the task
// file before reloading.
const DefaultSettle = 500 * time.Millisecond

// Watch reloads the scheduler whenever the task file changes, until ctx is
// done. Changes closer together than settle cause a single reload.
func (s *Scheduler) Watch(ctx context.Context, settle time.Duration) error {
	if s.tasks == nil {
		return errors.New("scheduler has no task store")
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	path, err := filepath.Abs(s.tasks.Path())
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// The store replaces the file by rename, which drops a watch on the
	// file itself.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.Close()
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go s.watchLoop(ctx, w, path, settle)
	return nil
}

func (s *Scheduler) watchLoop(ctx context.Context, w *fsnotify.Watcher, path string, settle time.Duration) {
	defer w.Close()

	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			timer.Reset(settle)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("task file watch", "error", err)
		case <-timer.C:
			if err := s.Reload(); err != nil {
				s.logger.Error("reload tasks", "error", err)
				continue
			}
			s.logger.Info("reloaded tasks", "path", path)
		}
	}
}
