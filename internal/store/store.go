// Package store implements task.Store on a single JSON document.
//
// The whole collection lives in tasks.json inside the data directory and
// is rewritten atomically on every mutation while an flock(2) lock is
// held. Within a process a mutex serializes callers; across processes the
// flock does, and each operation reloads the in-memory index when the
// file's modification time or size shows another process wrote it.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/filelock"
	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/task"
)

// FileName is the collection file inside the data directory.
const FileName = "tasks.json"

const formatVersion = 1

type document struct {
	Version int          `json:"version"`
	Tasks   []*task.Task `json:"tasks"`
}

// FileStore is a task.Store backed by one JSON file.
type FileStore struct {
	mu     sync.Mutex
	path   string
	lock   *filelock.Lock
	logger *logging.Logger

	tasks map[string]*task.Task
	order []string

	modTime time.Time
	size    int64
}

var _ task.Store = (*FileStore)(nil)

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the store's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *FileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open returns a FileStore rooted at dataDir, loading tasks.json if present.
func Open(dataDir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dataDir, FileName)
	s := &FileStore{
		path:   path,
		lock:   filelock.ForFile(path),
		logger: logging.NopLogger(),
		tasks:  make(map[string]*task.Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("store")

	err := s.locked(func() error { return nil })
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the collection file path.
func (s *FileStore) Path() string { return s.path }

// locked runs fn with both locks held and the index fresh.
func (s *FileStore) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	if err := s.refresh(); err != nil {
		return err
	}
	return fn()
}

// refresh reloads the index when the file changed since it was last seen.
func (s *FileStore) refresh() error {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		if !s.modTime.IsZero() || s.size != 0 {
			s.tasks = make(map[string]*task.Task)
			s.order = nil
			s.modTime, s.size = time.Time{}, 0
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat task store: %w", err)
	}
	if info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read task store: %w", err)
	}
	var doc document
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode task store %s: %w", s.path, err)
		}
	}

	tasks := make(map[string]*task.Task, len(doc.Tasks))
	order := make([]string, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if t == nil || t.ID == "" {
			continue
		}
		if _, dup := tasks[t.ID]; dup {
			s.logger.Warn("duplicate task id in store file", "task_id", t.ID)
			continue
		}
		tasks[t.ID] = t
		order = append(order, t.ID)
	}
	s.tasks, s.order = tasks, order
	s.modTime, s.size = info.ModTime(), info.Size()
	s.logger.Debug("task store reloaded", "tasks", len(order))
	return nil
}

// persist writes the index to disk. Callers hold both locks.
func (s *FileStore) persist() error {
	doc := document{Version: formatVersion, Tasks: make([]*task.Task, 0, len(s.order))}
	for _, id := range s.order {
		doc.Tasks = append(doc.Tasks, s.tasks[id])
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task store: %w", err)
	}
	if err := filelock.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write task store: %w", err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat task store: %w", err)
	}
	s.modTime, s.size = info.ModTime(), info.Size()
	return nil
}

// List returns copies of matching tasks in creation order.
func (s *FileStore) List(filter task.Filter) ([]*task.Task, error) {
	var out []*task.Task
	err := s.locked(func() error {
		for _, id := range s.order {
			if t := s.tasks[id]; filter.Matches(t) {
				out = append(out, t.Clone())
			}
		}
		return nil
	})
	return out, err
}

// Get returns a copy of the task with id.
func (s *FileStore) Get(id string) (*task.Task, error) {
	var out *task.Task
	err := s.locked(func() error {
		t, ok := s.tasks[id]
		if !ok {
			return errors.NewNotFoundError("task", id)
		}
		out = t.Clone()
		return nil
	})
	return out, err
}

// Create inserts t. It fails with AlreadyExistsError when the id is taken.
func (s *FileStore) Create(t *task.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("%w: task id is required", errors.ErrInvalidInput)
	}
	return s.locked(func() error {
		if _, ok := s.tasks[t.ID]; ok {
			return errors.NewAlreadyExistsError("task", t.ID)
		}
		s.tasks[t.ID] = t.Clone()
		s.order = append(s.order, t.ID)
		if err := s.persist(); err != nil {
			delete(s.tasks, t.ID)
			s.order = s.order[:len(s.order)-1]
			return err
		}
		return nil
	})
}

// Update applies mutate to a working copy of the task and commits it only
// when mutate succeeds. The id cannot be changed.
func (s *FileStore) Update(id string, mutate func(*task.Task) error) (*task.Task, error) {
	var out *task.Task
	err := s.locked(func() error {
		cur, ok := s.tasks[id]
		if !ok {
			return errors.NewNotFoundError("task", id)
		}
		working := cur.Clone()
		if err := mutate(working); err != nil {
			return err
		}
		working.ID = id

		s.tasks[id] = working
		if err := s.persist(); err != nil {
			s.tasks[id] = cur
			return err
		}
		out = working.Clone()
		return nil
	})
	return out, err
}

// Delete removes the task with id once check, if given, accepts its
// current state. A rejected delete leaves the file untouched.
func (s *FileStore) Delete(id string, check func(*task.Task) error) error {
	return s.locked(func() error {
		cur, ok := s.tasks[id]
		if !ok {
			return errors.NewNotFoundError("task", id)
		}
		if check != nil {
			if err := check(cur.Clone()); err != nil {
				return err
			}
		}
		prevOrder := slices.Clone(s.order)
		delete(s.tasks, id)
		s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
		if err := s.persist(); err != nil {
			s.tasks[id] = cur
			s.order = prevOrder
			return err
		}
		return nil
	})
}
