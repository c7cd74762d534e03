package task

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/relay/internal/errors"
)

// memStore is an in-memory Store used by the package tests.
type memStore struct {
	mu    sync.Mutex
	order []string
	tasks map[string]*Task
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*Task)}
}

func (s *memStore) List(f Filter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, id := range s.order {
		if t := s.tasks[id]; f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *memStore) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, errors.NewNotFoundError("task", id)
	}
	return t.Clone(), nil
}

func (s *memStore) Create(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return errors.NewAlreadyExistsError("task", t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	s.order = append(s.order, t.ID)
	return nil
}

func (s *memStore) Update(id string, mutate func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, errors.NewNotFoundError("task", id)
	}
	working := t.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	s.tasks[id] = working
	return working.Clone(), nil
}

func (s *memStore) Delete(id string, check func(*Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return errors.NewNotFoundError("task", id)
	}
	if check != nil {
		if err := check(t.Clone()); err != nil {
			return err
		}
	}
	delete(s.tasks, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return nil
}

// fakeClock advances one second per call so history timestamps are ordered.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("task-%d", n)
	}
}
