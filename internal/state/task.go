package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/user/hexe/internal/types"
)

// Task is a prompt sent to a user's conversation on a cron schedule.
type Task struct {
	Name     string       `json:"name"`
	Prompt   string       `json:"prompt"`
	Schedule string       `json:"schedule"`
	User     types.UserID `json:"user"`
	Enabled  bool         `json:"enabled"`
}

// Validate checks that the task has everything needed to run.
func (t *Task) Validate() error {
	switch {
	case t.Name == "":
		return errors.New("task name is required")
	case t.Prompt == "":
		return errors.New("task prompt is required")
	case t.Schedule == "":
		return errors.New("task schedule is required")
	case t.User == "":
		return errors.New("task user is required")
	}
	return nil
}

// TaskStore is a JSON-file-backed store for tasks.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

// NewTaskStore creates a new file-backed TaskStore at the given file path.
func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

// Path returns the file path used by this store.
func (s *TaskStore) Path() string {
	return s.path
}

func (s *TaskStore) load() ([]*Task, error) {
	var tasks []*Task
	if err := readJSON(s.path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// update loads the tasks, applies fn and saves the result.
func (s *TaskStore) update(fn func([]*Task) ([]*Task, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	tasks, err = fn(tasks)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return writeJSON(s.path, tasks)
}

// List returns all tasks. Returns an empty slice if the file doesn't exist.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []*Task{}, nil
	}
	return tasks, nil
}

// Add stores a new task. Names are unique.
func (s *TaskStore) Add(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	return s.update(func(tasks []*Task) ([]*Task, error) {
		for _, existing := range tasks {
			if existing.Name == task.Name {
				return nil, fmt.Errorf("task already exists: %s", task.Name)
			}
		}
		return append(tasks, task), nil
	})
}

// Remove deletes a task by name.
func (s *TaskStore) Remove(name string) error {
	return s.update(func(tasks []*Task) ([]*Task, error) {
		for i, task := range tasks {
			if task.Name == name {
				return append(tasks[:i], tasks[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("task %s: %w", name, ErrNotFound)
	})
}

// SetEnabled toggles the enabled flag for a task.
func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	return s.update(func(tasks []*Task) ([]*Task, error) {
		for _, task := range tasks {
			if task.Name == name {
				task.Enabled = enabled
				return tasks, nil
			}
		}
		return nil, fmt.Errorf("task %s: %w", name, ErrNotFound)
	})
}
