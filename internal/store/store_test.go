package store

import (
	"context"
	stderrors "errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/task"
)

func newTask(id string, status task.Status) *task.Task {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return &task.Task{
		ID:            id,
		Title:         "task " + id,
		Kind:          task.KindTask,
		Status:        status,
		Priority:      task.PriorityMedium,
		CreatedAt:     now,
		StatusHistory: []task.StatusChange{{Status: status, Timestamp: now}},
	}
}

func openStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestFileStore_CRUD(t *testing.T) {
	s := openStore(t, t.TempDir())

	for _, id := range []string{"b", "a", "c"} {
		if err := s.Create(newTask(id, task.StatusPending)); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}

	all, err := s.List(task.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, tk := range all {
		ids = append(ids, tk.ID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
		t.Errorf("List order = %v, want creation order [b a c]", ids)
	}

	got, err := s.Get("a")
	if err != nil || got.Title != "task a" {
		t.Fatalf("Get(a) = %+v, %v", got, err)
	}
	got.Title = "mutated copy"
	again, _ := s.Get("a")
	if again.Title != "task a" {
		t.Error("Get must return a copy")
	}

	updated, err := s.Update("a", func(tk *task.Task) error {
		tk.Title = "renamed"
		tk.ID = "hijack"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != "a" || updated.Title != "renamed" {
		t.Errorf("Update result = %+v", updated)
	}

	if err := s.Delete("b", nil); err != nil {
		t.Fatal(err)
	}
	all, _ = s.List(task.Filter{})
	if len(all) != 2 || all[0].ID != "a" {
		t.Errorf("after delete = %v", all)
	}
}

func TestFileStore_Errors(t *testing.T) {
	s := openStore(t, t.TempDir())
	s.Create(newTask("x", task.StatusCreated))

	if err := s.Create(newTask("x", task.StatusCreated)); !stderrors.Is(err, errors.ErrDuplicateID) {
		t.Errorf("duplicate Create = %v", err)
	}
	if err := s.Create(&task.Task{}); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Create without id = %v", err)
	}
	if _, err := s.Get("nope"); !errors.IsNotFound(err) {
		t.Errorf("Get(unknown) = %v", err)
	}
	if _, err := s.Update("nope", func(*task.Task) error { return nil }); !errors.IsNotFound(err) {
		t.Errorf("Update(unknown) = %v", err)
	}
	if err := s.Delete("nope", nil); !errors.IsNotFound(err) {
		t.Errorf("Delete(unknown) = %v", err)
	}
}

func TestFileStore_FailedMutationIsNotCommitted(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	s.Create(newTask("x", task.StatusPending))

	boom := stderrors.New("boom")
	_, err := s.Update("x", func(tk *task.Task) error {
		tk.Status = task.StatusFailed
		return boom
	})
	if !stderrors.Is(err, boom) {
		t.Fatalf("Update = %v, want boom", err)
	}

	got, _ := s.Get("x")
	if got.Status != task.StatusPending {
		t.Errorf("status = %s, mutation leaked", got.Status)
	}
	reopened := openStore(t, dir)
	got, _ = reopened.Get("x")
	if got.Status != task.StatusPending {
		t.Errorf("persisted status = %s", got.Status)
	}
}

func TestFileStore_ConditionalDelete(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	s.Create(newTask("busy", task.StatusProcessing))
	s.Create(newTask("idle", task.StatusPending))

	before, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	rejectBusy := func(tk *task.Task) error {
		if tk.Status == task.StatusProcessing {
			return errors.NewInvalidStateError(tk.ID, string(tk.Status), "delete")
		}
		return nil
	}

	if err := s.Delete("busy", rejectBusy); !errors.IsInvalidState(err) {
		t.Fatalf("Delete(busy) = %v, want invalid state", err)
	}
	after, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(before) {
		t.Error("rejected delete rewrote the store file")
	}
	if _, err := s.Get("busy"); err != nil {
		t.Errorf("busy task gone after rejected delete: %v", err)
	}

	if err := s.Delete("idle", rejectBusy); err != nil {
		t.Fatalf("Delete(idle) = %v", err)
	}
	if _, err := openStore(t, dir).Get("idle"); !errors.IsNotFound(err) {
		t.Errorf("reopened Get(idle) = %v, want not found", err)
	}
}

func TestFileStore_Filter(t *testing.T) {
	s := openStore(t, t.TempDir())
	s.Create(newTask("p1", task.StatusPending))
	s.Create(newTask("a1", task.StatusActive))
	child := newTask("c1", task.StatusProcessing)
	child.ParentTaskID = "pipe"
	child.StepID = "plan"
	s.Create(child)

	got, _ := s.List(task.Filter{Statuses: []task.Status{task.StatusActive, task.StatusProcessing}})
	if len(got) != 2 {
		t.Errorf("running filter returned %d", len(got))
	}
	got, _ = s.List(task.Filter{ParentTaskID: "pipe", StepID: "plan"})
	if len(got) != 1 || got[0].ID != "c1" {
		t.Errorf("child filter returned %v", got)
	}
}

func TestFileStore_SeesOtherProcessWrites(t *testing.T) {
	dir := t.TempDir()
	a := openStore(t, dir)
	b := openStore(t, dir)

	if err := a.Create(newTask("shared", task.StatusPending)); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get("shared")
	if err != nil {
		t.Fatalf("second store did not reload: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("status = %s", got.Status)
	}

	if _, err := b.Update("shared", func(tk *task.Task) error {
		tk.Status = task.StatusActive
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	got, _ = a.Get("shared")
	if got.Status != task.StatusActive {
		t.Errorf("first store missed the update: %s", got.Status)
	}

	if err := b.Create(newTask("shared", task.StatusPending)); !stderrors.Is(err, errors.ErrDuplicateID) {
		t.Errorf("duplicate across stores = %v", err)
	}
}

func TestFileStore_ConcurrentUpdatesAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	stores := []*FileStore{openStore(t, dir), openStore(t, dir)}
	stores[0].Create(newTask("ctr", task.StatusPending))

	const perStore = 25
	var wg sync.WaitGroup
	for _, s := range stores {
		for i := 0; i < perStore; i++ {
			wg.Add(1)
			go func(s *FileStore) {
				defer wg.Done()
				if _, err := s.Update("ctr", func(tk *task.Task) error {
					tk.RetryCount++
					return nil
				}); err != nil {
					t.Errorf("Update: %v", err)
				}
			}(s)
		}
	}
	wg.Wait()

	got, _ := openStore(t, dir).Get("ctr")
	if got.RetryCount != 2*perStore {
		t.Errorf("RetryCount = %d, want %d (lost updates)", got.RetryCount, 2*perStore)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir); err == nil {
		t.Error("Open should fail on a corrupt collection file")
	}
}

func TestFileStore_WithManager(t *testing.T) {
	s := openStore(t, t.TempDir())
	m := task.NewManager(s)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tk, err := m.Create(ctx, task.NewTask{Title: "through the manager", Start: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Activate(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Activate(ctx, tk.ID); !errors.IsInvalidState(err) {
		t.Errorf("double activate = %v, want invalid state", err)
	}
	got, _ := s.Get(tk.ID)
	if got.Status != task.StatusActive || len(got.StatusHistory) != 3 {
		t.Errorf("persisted = %s with %d history entries", got.Status, len(got.StatusHistory))
	}
}
