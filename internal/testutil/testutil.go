// Package testutil provides fixtures shared by relay's package tests: a
// controllable clock, a scriptable spawner, and a task environment backed
// by a real file store in a temporary data directory.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/relay/internal/event"
	"github.com/Iron-Ham/relay/internal/status"
	"github.com/Iron-Ham/relay/internal/store"
	"github.com/Iron-Ham/relay/internal/task"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Spawner is a scriptable spawn.Spawner. Spawned workers are alive until
// Kill or Stop is called.
type Spawner struct {
	mu      sync.Mutex
	nextPID int
	spawned []string
	handles map[string]task.Handle
	alive   map[int]bool
	failErr error
	failN   int
}

// NewSpawner returns a Spawner whose spawns succeed.
func NewSpawner() *Spawner {
	return &Spawner{nextPID: 1000, handles: make(map[string]task.Handle), alive: make(map[int]bool)}
}

// FailNext makes the next n spawns return err.
func (s *Spawner) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN, s.failErr = n, err
}

// Spawn records the task and returns a live handle.
func (s *Spawner) Spawn(ctx context.Context, t *task.Task) (task.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return task.Handle{}, s.failErr
	}
	s.nextPID++
	h := task.Handle{Backend: "fake", PID: s.nextPID}
	s.spawned = append(s.spawned, t.ID)
	s.handles[t.ID] = h
	s.alive[h.PID] = true
	return h, nil
}

// IsAlive reports the scripted liveness of h.
func (s *Spawner) IsAlive(h task.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive[h.PID]
}

// Stop marks the worker dead.
func (s *Spawner) Stop(h task.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive[h.PID] = false
	return nil
}

// Kill marks the latest worker of taskID dead.
func (s *Spawner) Kill(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[taskID]; ok {
		s.alive[h.PID] = false
	}
}

// Spawned returns the task ids spawned so far, in order. A task appears
// once per attempt.
func (s *Spawner) Spawned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spawned...)
}

// SpawnCount returns how many workers were spawned for taskID.
func (s *Spawner) SpawnCount(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.spawned {
		if id == taskID {
			n++
		}
	}
	return n
}

// Env is a task manager over a file store in a temporary data directory.
type Env struct {
	DataDir string
	Store   *store.FileStore
	Bus     *event.Bus
	Clock   *Clock
	Manager *task.Manager
	Layout  status.Layout
}

// NewEnv builds an Env. Extra manager options are applied last.
func NewEnv(t *testing.T, opts ...task.ManagerOption) *Env {
	t.Helper()

	dataDir := t.TempDir()
	st, err := store.Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	env := &Env{
		DataDir: dataDir,
		Store:   st,
		Bus:     event.NewBus(),
		Clock:   NewClock(),
		Layout:  status.NewLayout(dataDir),
	}

	seq := 0
	var mu sync.Mutex
	base := []task.ManagerOption{
		task.WithEventBus(env.Bus),
		task.WithClock(env.Clock.Now),
		task.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("task-%03d", seq)
		}),
	}
	env.Manager = task.NewManager(st, append(base, opts...)...)
	return env
}

// CreateTask creates a started task and fails the test on error.
func (e *Env) CreateTask(t *testing.T, nt task.NewTask) *task.Task {
	t.Helper()
	if nt.Title == "" {
		nt.Title = "test task"
	}
	nt.Start = true
	tk, err := e.Manager.Create(context.Background(), nt)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return tk
}

// MustGet fetches a task and fails the test on error.
func (e *Env) MustGet(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := e.Manager.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return tk
}

// ReportDone writes a done marker for taskID as a worker would.
func (e *Env) ReportDone(t *testing.T, taskID string, st status.DoneStatus, summary string) {
	t.Helper()
	dir, err := e.Layout.Ensure(taskID)
	if err != nil {
		t.Fatalf("status dir: %v", err)
	}
	d := status.Done{Status: st, Summary: summary}
	if st == status.DoneFailed {
		d.Error = summary
	}
	if err := status.NewReporter(dir).Done(d); err != nil {
		t.Fatalf("write done marker: %v", err)
	}
}

// WriteProject creates a project directory containing files, given as
// relative path to content.
func WriteProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("create dir for %s: %v", path, err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return dir
}
