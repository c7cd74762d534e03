package task

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/event"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) terminal() []event.TaskTerminalEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.TaskTerminalEvent
	for _, e := range r.events {
		if te, ok := e.(event.TaskTerminalEvent); ok {
			out = append(out, te)
		}
	}
	return out
}

func (r *recorder) transitions(taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if sc, ok := e.(event.TaskStatusChangedEvent); ok && sc.TaskID == taskID {
			out = append(out, sc.From+"->"+sc.To)
		}
	}
	return out
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *recorder) {
	t.Helper()
	bus := event.NewBus()
	rec := &recorder{}
	bus.SubscribeAll(rec.handle)
	base := []ManagerOption{
		WithEventBus(bus),
		WithClock(newFakeClock().Now),
		WithIDGenerator(sequentialIDs()),
	}
	return NewManager(newMemStore(), append(base, opts...)...), rec
}

func intPtr(v int) *int { return &v }

func mustCreate(t *testing.T, m *Manager, nt NewTask) *Task {
	t.Helper()
	tk, err := m.Create(context.Background(), nt)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return tk
}

// driveToProcessing moves a started task to processing.
func driveToProcessing(t *testing.T, m *Manager, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := m.Activate(ctx, id); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if _, err := m.Dispatch(ctx, id, Handle{Backend: "exec", PID: 99}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
}

func TestManager_CreateDefaults(t *testing.T) {
	m, rec := newTestManager(t, WithDefaultMaxRetries(4))

	tk := mustCreate(t, m, NewTask{Title: "write docs", Start: true})

	if tk.ID != "task-1" {
		t.Errorf("ID = %q, want task-1", tk.ID)
	}
	if tk.Kind != KindTask || tk.Priority != PriorityMedium {
		t.Errorf("Kind/Priority = %s/%s", tk.Kind, tk.Priority)
	}
	if tk.MaxRetries != 4 || tk.TimeoutMinutes != DefaultTimeoutMinutes {
		t.Errorf("MaxRetries/Timeout = %d/%d", tk.MaxRetries, tk.TimeoutMinutes)
	}
	if tk.Status != StatusPending || len(tk.StatusHistory) != 2 {
		t.Errorf("Status = %s history = %d, want pending with 2 entries", tk.Status, len(tk.StatusHistory))
	}
	if got := rec.transitions(tk.ID); len(got) != 1 || got[0] != "created->pending" {
		t.Errorf("transitions = %v", got)
	}

	zero := mustCreate(t, m, NewTask{Title: "no retries", MaxRetries: intPtr(0)})
	if zero.MaxRetries != 0 {
		t.Errorf("explicit zero MaxRetries not honoured: %d", zero.MaxRetries)
	}
}

func TestManager_CreateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		nt   NewTask
	}{
		{"missing title", NewTask{Title: "  "}},
		{"bad priority", NewTask{Title: "x", Priority: "asap"}},
		{"bad kind", NewTask{Title: "x", Kind: "batch"}},
		{"negative retries", NewTask{Title: "x", MaxRetries: intPtr(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Create(ctx, tt.nt); !stderrors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("Create() error = %v, want ErrInvalidInput", err)
			}
		})
	}

	mustCreate(t, m, NewTask{ID: "fixed", Title: "x"})
	if _, err := m.Create(ctx, NewTask{ID: "fixed", Title: "y"}); !stderrors.Is(err, errors.ErrDuplicateID) {
		t.Errorf("duplicate Create() error = %v", err)
	}
}

func TestManager_CompleteLifecycle(t *testing.T) {
	m, rec := newTestManager(t)
	ctx := context.Background()

	tk := mustCreate(t, m, NewTask{Title: "t", Start: true})
	driveToProcessing(t, m, tk.ID)

	done, err := m.Complete(ctx, tk.ID, Outcome{Result: "ok", Artifacts: []string{"README.md"}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.Status != StatusCompleted || done.Result != "ok" || done.CompletedAt == nil || done.Progress != 100 {
		t.Errorf("unexpected completed task: %+v", done)
	}
	if done.Handle.PID != 99 {
		t.Errorf("Handle = %+v", done.Handle)
	}

	if _, err := m.Complete(ctx, tk.ID, Outcome{}); !errors.IsInvalidState(err) {
		t.Errorf("second Complete() error = %v, want invalid state", err)
	}
	if got := rec.terminal(); len(got) != 1 || got[0].Status != "completed" {
		t.Errorf("terminal events = %+v, want exactly one", got)
	}
}

func TestManager_FailWithBudget(t *testing.T) {
	m, rec := newTestManager(t)
	ctx := context.Background()

	tk := mustCreate(t, m, NewTask{Title: "t", Start: true, MaxRetries: intPtr(1)})
	driveToProcessing(t, m, tk.ID)

	got, err := m.Fail(ctx, tk.ID, errors.NewWorkerFailure(errors.ErrWorkerTerminated.Error(), nil))
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if got.Status != StatusPending || got.RetryCount != 1 || got.CompletedAt != nil {
		t.Errorf("after first failure: status=%s retry=%d completedAt=%v", got.Status, got.RetryCount, got.CompletedAt)
	}
	if !got.Handle.IsZero() {
		t.Error("handle should be cleared on retry")
	}
	n := len(got.StatusHistory)
	if got.StatusHistory[n-2].Status != StatusFailed || got.StatusHistory[n-1].Status != StatusPending {
		t.Errorf("history tail = %+v, want failed then pending", got.StatusHistory[n-2:])
	}
	if len(rec.terminal()) != 0 {
		t.Error("a retried failure must not publish a terminal event")
	}

	driveToProcessing(t, m, tk.ID)
	final, err := m.Fail(ctx, tk.ID, errors.NewWorkerFailure("worker reported failure", stderrors.New("tests red")))
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if final.Status != StatusFailed || final.RetryCount != 1 {
		t.Errorf("final: status=%s retry=%d", final.Status, final.RetryCount)
	}
	if final.Error != "Failed after 2 attempts: worker reported failure: tests red" {
		t.Errorf("Error = %q", final.Error)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt should be set once settled")
	}
	if got := rec.terminal(); len(got) != 1 || got[0].Status != "failed" {
		t.Errorf("terminal events = %+v", got)
	}
}

func TestManager_RequeueBound(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tk := mustCreate(t, m, NewTask{Title: "t", Start: true, MaxRetries: intPtr(1)})
	spawnErr := errors.NewSpawnError("exec", stderrors.New("no such binary"))

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := m.Activate(ctx, tk.ID); err != nil {
			t.Fatalf("attempt %d Activate() error = %v", attempt, err)
		}
		if _, err := m.Requeue(ctx, tk.ID, spawnErr); err != nil {
			t.Fatalf("attempt %d Requeue() error = %v", attempt, err)
		}
	}

	got, _ := m.Get(ctx, tk.ID)
	if got.Status != StatusFailed || got.RetryCount != 1 {
		t.Errorf("status=%s retry=%d, want failed/1", got.Status, got.RetryCount)
	}
	if !strings.HasPrefix(got.Error, "Failed after 2 attempts: ") {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestManager_RetryBoundProperty(t *testing.T) {
	for maxRetries := 0; maxRetries <= 3; maxRetries++ {
		m, _ := newTestManager(t)
		ctx := context.Background()
		tk := mustCreate(t, m, NewTask{Title: "t", Start: true, MaxRetries: intPtr(maxRetries)})

		attempts := 0
		for {
			cur, _ := m.Get(ctx, tk.ID)
			if cur.Status.IsTerminal() {
				break
			}
			driveToProcessing(t, m, tk.ID)
			attempts++
			if _, err := m.Fail(ctx, tk.ID, errors.NewWorkerFailure("boom", nil)); err != nil {
				t.Fatal(err)
			}
		}
		final, _ := m.Get(ctx, tk.ID)
		if attempts != maxRetries+1 || final.RetryCount > maxRetries {
			t.Errorf("maxRetries=%d: attempts=%d retryCount=%d", maxRetries, attempts, final.RetryCount)
		}
	}
}

func TestManager_TrackerFailureIsImmediate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	p := mustCreate(t, m, NewTask{Title: "pipe", Kind: KindPipeline, Start: true})
	if _, err := m.Dispatch(ctx, p.ID, Handle{}); err != nil {
		t.Fatal(err)
	}
	got, err := m.Fail(ctx, p.ID, errors.NewStepFailure(p.ID, "review", stderrors.New("child failed")))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.RetryCount != 0 || strings.HasPrefix(got.Error, "Failed after") {
		t.Errorf("tracker failure: status=%s retry=%d err=%q", got.Status, got.RetryCount, got.Error)
	}
}

func TestManager_NonRetryableCauseSettles(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tk := mustCreate(t, m, NewTask{Title: "t", Start: true})
	driveToProcessing(t, m, tk.ID)
	got, err := m.Fail(ctx, tk.ID, errors.NewConfigError("bad step"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.RetryCount != 0 {
		t.Errorf("status=%s retry=%d", got.Status, got.RetryCount)
	}
}

func TestManager_ManualRetry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tk := mustCreate(t, m, NewTask{Title: "t", Start: true, MaxRetries: intPtr(0)})
	driveToProcessing(t, m, tk.ID)
	failed, _ := m.Fail(ctx, tk.ID, errors.NewWorkerFailure("boom", nil))
	if failed.Status != StatusFailed {
		t.Fatalf("status = %s", failed.Status)
	}

	reopened, err := m.Retry(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if reopened.Status != StatusPending || reopened.CompletedAt != nil || reopened.Error != "" || reopened.RetryCount != 0 {
		t.Errorf("reopened = %+v", reopened)
	}
	if reopened.StartedAt == nil || !reopened.StartedAt.Equal(*failed.StartedAt) {
		t.Error("StartedAt should survive a manual retry")
	}

	if _, err := m.Retry(ctx, tk.ID); !errors.IsInvalidState(err) {
		t.Errorf("Retry() on pending = %v, want invalid state", err)
	}
}

func TestManager_CancelAndDelete(t *testing.T) {
	m, rec := newTestManager(t)
	ctx := context.Background()

	a := mustCreate(t, m, NewTask{Title: "a"})
	b := mustCreate(t, m, NewTask{Title: "b", Start: true})
	c := mustCreate(t, m, NewTask{Title: "c", Start: true})
	driveToProcessing(t, m, c.ID)

	if err := m.Delete(ctx, c.ID); !errors.IsInvalidState(err) {
		t.Errorf("Delete(processing) = %v, want invalid state", err)
	}
	if err := m.Delete(ctx, a.ID); err != nil {
		t.Errorf("Delete(created) = %v", err)
	}
	if _, err := m.Get(ctx, a.ID); !errors.IsNotFound(err) {
		t.Errorf("Get(deleted) = %v, want not found", err)
	}

	cancelled, err := m.Cancel(ctx, b.ID, "user request")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != StatusCancelled || cancelled.CompletedAt == nil {
		t.Errorf("cancelled = %+v", cancelled)
	}
	if err := m.Delete(ctx, b.ID); !errors.IsInvalidState(err) {
		t.Errorf("Delete(cancelled) = %v, want invalid state", err)
	}
	if _, err := m.Cancel(ctx, b.ID, ""); !errors.IsInvalidState(err) {
		t.Errorf("Cancel(cancelled) = %v, want invalid state", err)
	}
	if got := rec.terminal(); len(got) != 1 || got[0].TaskID != b.ID {
		t.Errorf("terminal events = %+v", got)
	}
	if err := m.Delete(ctx, "missing"); !errors.IsNotFound(err) {
		t.Errorf("Delete(missing) = %v", err)
	}
}

func TestManager_RecordProgress(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tk := mustCreate(t, m, NewTask{Title: "t", Start: true})
	for i := 0; i < maxProgressUpdates+5; i++ {
		if _, err := m.RecordProgress(ctx, tk.ID, ProgressUpdate{Percentage: 150, CurrentStep: "build"}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := m.Get(ctx, tk.ID)
	if got.Progress != 100 || got.CurrentStep != "build" {
		t.Errorf("Progress/CurrentStep = %d/%q", got.Progress, got.CurrentStep)
	}
	if len(got.ProgressUpdates) != maxProgressUpdates {
		t.Errorf("ProgressUpdates = %d, want cap %d", len(got.ProgressUpdates), maxProgressUpdates)
	}
	if got.Status != StatusPending {
		t.Error("progress must not change status")
	}

	m.Cancel(ctx, tk.ID, "")
	if _, err := m.RecordProgress(ctx, tk.ID, ProgressUpdate{Percentage: 1}); !errors.IsInvalidState(err) {
		t.Errorf("RecordProgress(terminal) = %v", err)
	}
}

func TestManager_ConcurrentSettleIsCheckAndSet(t *testing.T) {
	m, rec := newTestManager(t)
	ctx := context.Background()

	tk := mustCreate(t, m, NewTask{Title: "t", Start: true})
	driveToProcessing(t, m, tk.ID)

	var wg sync.WaitGroup
	var wins sync.Map
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Complete(ctx, tk.ID, Outcome{}); err == nil {
				wins.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	wins.Range(func(_, _ any) bool { count++; return true })
	if count != 1 {
		t.Errorf("%d callers settled the task, want 1", count)
	}
	if len(rec.terminal()) != 1 {
		t.Errorf("terminal events = %d, want 1", len(rec.terminal()))
	}
}

func TestManager_Tunables(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetDefaultMaxRetries(5)
	m.SetDefaultMaxRetries(-1)
	if m.DefaultMaxRetries() != 5 {
		t.Errorf("DefaultMaxRetries() = %d", m.DefaultMaxRetries())
	}
	m.SetDefaultTimeout(90 * time.Minute)
	if m.DefaultTimeout().Minutes() != 90 {
		t.Errorf("DefaultTimeout() = %v", m.DefaultTimeout())
	}
	tk := mustCreate(t, m, NewTask{Title: "t"})
	if tk.MaxRetries != 5 || tk.TimeoutMinutes != 90 {
		t.Errorf("new task picked up %d/%d", tk.MaxRetries, tk.TimeoutMinutes)
	}
}

func TestManager_CanceledContext(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Create(ctx, NewTask{Title: "t"}); !stderrors.Is(err, context.Canceled) {
		t.Errorf("Create() with canceled ctx = %v", err)
	}
}
