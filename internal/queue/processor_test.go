package queue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/relay/internal/detect"
	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/event"
	"github.com/Iron-Ham/relay/internal/status"
	"github.com/Iron-Ham/relay/internal/task"
	"github.com/Iron-Ham/relay/internal/testutil"
)

type fixture struct {
	env     *testutil.Env
	spawner *testutil.Spawner
	proc    *Processor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	sp := testutil.NewSpawner()
	in := detect.NewInspector(env.Layout, detect.Policy{CompletionKeywords: []string{"task complete"}}, detect.ScanOptions{Patterns: []string{"**"}}, nil)
	base := []Option{WithEventBus(env.Bus), WithMaxConcurrent(2)}
	return &fixture{
		env:     env,
		spawner: sp,
		proc:    NewProcessor(env.Manager, sp, in, append(base, opts...)...),
	}
}

func (f *fixture) pass(t *testing.T) TickResult {
	t.Helper()
	res, err := f.proc.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	return res
}

func intPtr(n int) *int { return &n }

func historyOf(tk *task.Task) []task.Status {
	out := make([]task.Status, len(tk.StatusHistory))
	for i, c := range tk.StatusHistory {
		out[i] = c.Status
	}
	return out
}

// Urgent task with one retry whose spawns keep failing: the first failure
// requeues it, the second settles it.
func TestProcessQueue_SpawnFailuresExhaustBudget(t *testing.T) {
	f := newFixture(t)
	tk := f.env.CreateTask(t, task.NewTask{Priority: task.PriorityUrgent, MaxRetries: intPtr(1)})
	f.spawner.FailNext(2, errors.NewSpawnError("fake", fmt.Errorf("claude not found")))

	f.pass(t)
	got := f.env.MustGet(t, tk.ID)
	if got.Status != task.StatusPending || got.RetryCount != 1 {
		t.Fatalf("after first failure: status=%s retry=%d, want pending/1", got.Status, got.RetryCount)
	}

	f.pass(t)
	got = f.env.MustGet(t, tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if !strings.HasPrefix(got.Error, "Failed after 2 attempts") {
		t.Errorf("Error = %q, want prefix %q", got.Error, "Failed after 2 attempts")
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	want := []task.Status{
		task.StatusCreated, task.StatusPending,
		task.StatusActive, task.StatusPending,
		task.StatusActive, task.StatusFailed,
	}
	if h := historyOf(got); !slices.Equal(h, want) {
		t.Errorf("history = %v, want %v", h, want)
	}
	if n := len(f.spawner.Spawned()); n != 0 {
		t.Errorf("spawned = %d, want 0", n)
	}
}

// A worker that vanishes without a marker or file changes fails with the
// terminated error, cycling through pending while budget remains.
func TestProcessQueue_VanishedWorker(t *testing.T) {
	f := newFixture(t)
	tk := f.env.CreateTask(t, task.NewTask{MaxRetries: intPtr(1)})

	f.pass(t)
	if got := f.env.MustGet(t, tk.ID); got.Status != task.StatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}

	f.spawner.Kill(tk.ID)
	f.pass(t)
	got := f.env.MustGet(t, tk.ID)
	if got.RetryCount != 1 || got.Status != task.StatusProcessing {
		t.Fatalf("after first death: status=%s retry=%d, want re-dispatched with retry 1", got.Status, got.RetryCount)
	}
	if got.Error != "worker process terminated unexpectedly" {
		t.Errorf("Error = %q", got.Error)
	}
	if n := f.spawner.SpawnCount(tk.ID); n != 2 {
		t.Errorf("spawns = %d, want 2", n)
	}

	f.spawner.Kill(tk.ID)
	f.pass(t)
	got = f.env.MustGet(t, tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error != "Failed after 2 attempts: worker process terminated unexpectedly" {
		t.Errorf("Error = %q", got.Error)
	}

	h := historyOf(got)
	if !slices.Contains(h, task.StatusFailed) || h[len(h)-1] != task.StatusFailed {
		t.Errorf("history = %v", h)
	}
	// The automatic retry shows up as failed immediately followed by pending.
	i := slices.Index(h, task.StatusFailed)
	if i < 0 || i+1 >= len(h) || h[i+1] != task.StatusPending {
		t.Errorf("history %v lacks failed->pending retry", h)
	}
}

func TestProcessQueue_AdmissionBoundAndOrder(t *testing.T) {
	f := newFixture(t)
	ids := map[task.Priority]string{}
	for _, p := range []task.Priority{task.PriorityLow, task.PriorityHigh, task.PriorityMedium, task.PriorityUrgent} {
		ids[p] = f.env.CreateTask(t, task.NewTask{Priority: p}).ID
		f.env.Clock.Advance(time.Second)
	}
	olderMedium := ids[task.PriorityMedium]
	newerMedium := f.env.CreateTask(t, task.NewTask{Priority: task.PriorityMedium}).ID

	res := f.pass(t)
	if res.Admitted != 2 {
		t.Fatalf("admitted = %d, want 2", res.Admitted)
	}
	if got := f.spawner.Spawned(); !slices.Equal(got, []string{ids[task.PriorityUrgent], ids[task.PriorityHigh]}) {
		t.Errorf("spawn order = %v", got)
	}

	res = f.pass(t)
	if res.Admitted != 0 || res.Running != 2 {
		t.Errorf("full queue pass = %+v, want no admissions", res)
	}

	f.env.ReportDone(t, ids[task.PriorityUrgent], status.DoneComplete, "done")
	res = f.pass(t)
	if res.Swept != 1 || res.Admitted != 1 {
		t.Errorf("pass after completion = %+v, want 1 swept, 1 admitted", res)
	}
	if got := f.spawner.Spawned(); got[len(got)-1] != olderMedium {
		t.Errorf("next admitted = %s, want older medium %s (newer is %s)", got[len(got)-1], olderMedium, newerMedium)
	}

	stats, err := f.proc.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Running > f.proc.MaxConcurrent() {
		t.Errorf("running %d exceeds cap %d", stats.Running, f.proc.MaxConcurrent())
	}
	if stats.Counts[task.StatusCompleted] != 1 || stats.Pending != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProcessQueue_AdmissionBoundUnderConcurrentPasses(t *testing.T) {
	f := newFixture(t, WithMaxConcurrent(3))
	for i := 0; i < 10; i++ {
		f.env.CreateTask(t, task.NewTask{})
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.proc.ProcessQueue(context.Background())
		}()
	}
	wg.Wait()

	running, err := f.env.Manager.List(context.Background(), task.Filter{Statuses: []task.Status{task.StatusActive, task.StatusProcessing}})
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 3 {
		t.Errorf("running = %d, want 3", len(running))
	}
}

func TestProcessQueue_CompletionSignals(t *testing.T) {
	f := newFixture(t, WithMaxConcurrent(5))
	marker := f.env.CreateTask(t, task.NewTask{Title: "marker"})
	declared := f.env.CreateTask(t, task.NewTask{Title: "declared failure", MaxRetries: intPtr(0)})
	keyword := f.env.CreateTask(t, task.NewTask{Title: "keyword"})
	f.pass(t)

	f.env.ReportDone(t, marker.ID, status.DoneComplete, "all green")
	f.env.ReportDone(t, declared.ID, status.DoneFailed, "tests broke")
	dir, _ := f.env.Layout.Ensure(keyword.ID)
	if err := status.NewReporter(dir).Log(context.Background(), "info", "Task complete, exiting"); err != nil {
		t.Fatal(err)
	}
	f.spawner.Kill(keyword.ID)

	f.pass(t)

	if got := f.env.MustGet(t, marker.ID); got.Status != task.StatusCompleted || got.Result != "all green" || got.Progress != 100 {
		t.Errorf("marker task = %s %q %d", got.Status, got.Result, got.Progress)
	}
	if got := f.env.MustGet(t, declared.ID); got.Status != task.StatusFailed || !strings.Contains(got.Error, "tests broke") {
		t.Errorf("declared failure = %s %q", got.Status, got.Error)
	}
	if got := f.env.MustGet(t, keyword.ID); got.Status != task.StatusCompleted {
		t.Errorf("keyword task = %s", got.Status)
	}
}

func TestProcessQueue_TimeoutStopsWorker(t *testing.T) {
	f := newFixture(t)
	tk := f.env.CreateTask(t, task.NewTask{TimeoutMinutes: 5, MaxRetries: intPtr(0)})
	f.pass(t)
	h := f.env.MustGet(t, tk.ID).Handle

	f.env.Clock.Advance(6 * time.Minute)
	f.pass(t)

	got := f.env.MustGet(t, tk.ID)
	if got.Status != task.StatusFailed || !strings.Contains(got.Error, "timeout") {
		t.Errorf("status=%s error=%q, want timeout failure", got.Status, got.Error)
	}
	if f.spawner.IsAlive(h) {
		t.Error("timed out worker was not stopped")
	}
}

// Each retry after a timeout gets a full window measured from its own
// dispatch, not from the first attempt.
func TestProcessQueue_TimeoutRetryGetsFreshWindow(t *testing.T) {
	f := newFixture(t)
	tk := f.env.CreateTask(t, task.NewTask{TimeoutMinutes: 5, MaxRetries: intPtr(2)})
	f.pass(t)

	f.env.Clock.Advance(6 * time.Minute)
	f.pass(t)
	got := f.env.MustGet(t, tk.ID)
	if got.Status != task.StatusProcessing || got.RetryCount != 1 {
		t.Fatalf("after timeout: status=%s retry=%d, want re-dispatched with retry 1", got.Status, got.RetryCount)
	}
	if got.DispatchedAt == nil || !got.DispatchedAt.Equal(f.env.Clock.Now()) {
		t.Errorf("DispatchedAt = %v, want %v", got.DispatchedAt, f.env.Clock.Now())
	}
	if got.StartedAt == nil || got.StartedAt.Equal(*got.DispatchedAt) {
		t.Errorf("StartedAt = %v, want the first attempt's start", got.StartedAt)
	}

	f.env.Clock.Advance(10 * time.Second)
	f.pass(t)
	got = f.env.MustGet(t, tk.ID)
	if got.Status != task.StatusProcessing || got.RetryCount != 1 {
		t.Errorf("10s into second attempt: status=%s retry=%d, want still processing with retry 1", got.Status, got.RetryCount)
	}
	if n := f.spawner.SpawnCount(tk.ID); n != 2 {
		t.Errorf("spawns = %d, want 2", n)
	}

	f.env.Clock.Advance(5 * time.Minute)
	f.pass(t)
	got = f.env.MustGet(t, tk.ID)
	if got.RetryCount != 2 {
		t.Errorf("after second timeout: retry=%d, want 2", got.RetryCount)
	}
}

// A spawner returning a plain error still goes through the retry policy.
func TestProcessQueue_PlainSpawnErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	tk := f.env.CreateTask(t, task.NewTask{MaxRetries: intPtr(1)})
	f.spawner.FailNext(1, fmt.Errorf("exec: claude: not found"))

	f.pass(t)
	got := f.env.MustGet(t, tk.ID)
	if got.Status != task.StatusPending || got.RetryCount != 1 {
		t.Fatalf("status=%s retry=%d, want pending/1", got.Status, got.RetryCount)
	}
	if !strings.Contains(got.Error, "claude: not found") {
		t.Errorf("Error = %q, want the spawn cause", got.Error)
	}

	f.pass(t)
	if got := f.env.MustGet(t, tk.ID); got.Status != task.StatusProcessing {
		t.Errorf("status = %s, want processing after retry", got.Status)
	}
}

func TestProcessQueue_RefreshesProgress(t *testing.T) {
	f := newFixture(t)
	tk := f.env.CreateTask(t, task.NewTask{})
	f.pass(t)

	dir, _ := f.env.Layout.Ensure(tk.ID)
	if err := status.NewReporter(dir).Progress(status.Progress{Percentage: 42, CurrentStep: "writing tests"}); err != nil {
		t.Fatal(err)
	}
	f.pass(t)

	got := f.env.MustGet(t, tk.ID)
	if got.Progress != 42 || got.CurrentStep != "writing tests" || got.Status != task.StatusProcessing {
		t.Errorf("task = %d %q %s", got.Progress, got.CurrentStep, got.Status)
	}
}

func TestDispatch_NoOpOutsidePendingOrActive(t *testing.T) {
	f := newFixture(t)
	tk := f.env.CreateTask(t, task.NewTask{})
	if _, err := f.env.Manager.Cancel(context.Background(), tk.ID, "nope"); err != nil {
		t.Fatal(err)
	}

	got, err := f.proc.Dispatch(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got.Status != task.StatusCancelled || len(f.spawner.Spawned()) != 0 {
		t.Errorf("cancelled task was dispatched: %s", got.Status)
	}

	if _, err := f.proc.Dispatch(context.Background(), "missing"); !errors.IsNotFound(err) {
		t.Errorf("missing task error = %v", err)
	}
}

func TestDispatchNow_BypassesCap(t *testing.T) {
	f := newFixture(t, WithMaxConcurrent(1))
	f.env.CreateTask(t, task.NewTask{})
	f.pass(t)

	extra := f.env.CreateTask(t, task.NewTask{})
	got, err := f.proc.DispatchNow(context.Background(), extra.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusProcessing || got.Handle.IsZero() {
		t.Errorf("DispatchNow() = %s %+v", got.Status, got.Handle)
	}
}

func TestDispatch_PublishesEvent(t *testing.T) {
	f := newFixture(t)
	var dispatched []string
	f.env.Bus.Subscribe(event.TypeTaskDispatched, func(e event.Event) {
		dispatched = append(dispatched, e.(event.TaskDispatchedEvent).TaskID)
	})
	tk := f.env.CreateTask(t, task.NewTask{})
	if _, err := f.proc.DispatchNow(context.Background(), tk.ID); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(dispatched, []string{tk.ID}) {
		t.Errorf("dispatched events = %v", dispatched)
	}
}

func TestSweep_Trackers(t *testing.T) {
	var checks atomic.Int32
	f := newFixture(t,
		WithGracePeriod(30*time.Second),
		WithTrackerCheck(func(ctx context.Context, tr *task.Task) error {
			checks.Add(1)
			return nil
		}),
	)
	tr := f.env.CreateTask(t, task.NewTask{Kind: task.KindPipeline})
	if _, err := f.env.Manager.Dispatch(context.Background(), tr.ID, task.Handle{}); err != nil {
		t.Fatal(err)
	}

	f.pass(t)
	if checks.Load() != 0 {
		t.Error("tracker checked inside grace period")
	}
	if len(f.spawner.Spawned()) != 0 {
		t.Error("tracker was spawned")
	}

	f.env.Clock.Advance(time.Minute)
	f.pass(t)
	if checks.Load() != 1 {
		t.Errorf("checks = %d, want 1", checks.Load())
	}
	if got := f.env.MustGet(t, tr.ID); got.Status != task.StatusProcessing {
		t.Errorf("tracker status = %s, trackers must never fail for liveness", got.Status)
	}
}

func TestSweep_RecoversOrphanedActiveTask(t *testing.T) {
	f := newFixture(t, WithGracePeriod(10*time.Second))
	tk := f.env.CreateTask(t, task.NewTask{})
	if _, err := f.env.Manager.Activate(context.Background(), tk.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.proc.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.env.MustGet(t, tk.ID); got.Status != task.StatusActive {
		t.Fatalf("recent activation recovered too early: %s", got.Status)
	}

	f.env.Clock.Advance(time.Minute)
	if _, err := f.proc.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := f.env.MustGet(t, tk.ID)
	if got.Status != task.StatusPending || got.RetryCount != 0 {
		t.Errorf("orphan = %s retry=%d, want pending with no attempt charged", got.Status, got.RetryCount)
	}
}

func TestTunables(t *testing.T) {
	f := newFixture(t)
	f.proc.SetMaxConcurrent(7)
	f.proc.SetMaxConcurrent(0)
	if f.proc.MaxConcurrent() != 7 {
		t.Errorf("MaxConcurrent() = %d", f.proc.MaxConcurrent())
	}
	f.proc.SetRetryBudget(4)
	if f.proc.RetryBudget() != 4 {
		t.Errorf("RetryBudget() = %d", f.proc.RetryBudget())
	}
	f.proc.SetDefaultTimeout(90 * time.Minute)
	if f.proc.DefaultTimeout() != 90*time.Minute {
		t.Errorf("DefaultTimeout() = %s", f.proc.DefaultTimeout())
	}
	tk := f.env.CreateTask(t, task.NewTask{})
	if tk.MaxRetries != 4 || tk.TimeoutMinutes != 90 {
		t.Errorf("new task budget = %d/%d", tk.MaxRetries, tk.TimeoutMinutes)
	}
}
