package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/relay/internal/coordination"
	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/event"
	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/spawn"
	"github.com/Iron-Ham/relay/internal/task"
)

// DefaultMaxWorkers bounds the worker count unless overridden.
const DefaultMaxWorkers = 10

// StepID is the id of the single step of a pool's coordination document.
const StepID = coordination.KindWorkerPool

// Dispatcher starts a pending task right away, ignoring the concurrency
// cap. *queue.Processor satisfies it.
type Dispatcher interface {
	DispatchNow(ctx context.Context, id string) (*task.Task, error)
}

var errUnchanged = errors.New("pool: unchanged")

// Option configures a Manager.
type Option func(*Manager)

// WithEventBus publishes pool events on bus.
func WithEventBus(bus *event.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMaxWorkers caps the worker count of new pools.
func WithMaxWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxWorkers = n
		}
	}
}

// WithStopper lets a failing pool terminate the workers of its other
// members.
func WithStopper(s spawn.Stopper) Option {
	return func(m *Manager) { m.stopper = s }
}

// Manager turns tasks into worker pools and settles them when their
// workers finish. Like the pipeline manager it keeps no state of its own.
type Manager struct {
	tasks      *task.Manager
	dispatcher Dispatcher
	bus        *event.Bus
	logger     *logging.Logger
	stopper    spawn.Stopper
	maxWorkers int
}

// NewManager creates a Manager.
func NewManager(tasks *task.Manager, dispatcher Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		tasks:      tasks,
		dispatcher: dispatcher,
		logger:     logging.NopLogger(),
		maxWorkers: DefaultMaxWorkers,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("pool")
	return m
}

// CreateWorkerPool turns the task taskID into a pool tracker and spawns
// workerCount workers for it. The task must not have been admitted yet.
// Empty instructions default to the task's description.
func (m *Manager) CreateWorkerPool(ctx context.Context, taskID string, workerCount int, strategy Strategy, instructions string) (*task.Task, error) {
	if workerCount > m.maxWorkers {
		return nil, errors.NewConfigError(fmt.Sprintf("worker count exceeds the limit of %d", m.maxWorkers)).
			WithField("workers").WithValue(workerCount)
	}
	if strategy == "" {
		strategy = StrategySplit
	}
	orig, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if instructions == "" {
		instructions = orig.Description
	}
	assignments, err := GenerateScopes(workerCount, strategy, instructions)
	if err != nil {
		return nil, err
	}
	projectDir, err := coordination.ResolveProjectDir(orig.ProjectDir)
	if err != nil {
		return nil, err
	}
	contextFile := coordination.Path(projectDir, taskID)

	tracker, err := m.tasks.Mutate(ctx, taskID, func(t *task.Task, now time.Time) error {
		if t.Kind != task.KindTask || (t.Status != task.StatusCreated && t.Status != task.StatusPending) {
			return errors.NewInvalidStateError(t.ID, string(t.Status), "convert to worker pool")
		}
		if t.Status == task.StatusCreated {
			if err := task.Apply(t, task.EventStart, now, ""); err != nil {
				return err
			}
		}
		t.Kind = task.KindPool
		t.ProjectDir = projectDir
		t.ContextFile = contextFile
		t.TotalWorkers = workerCount
		return task.Apply(t, task.EventDispatch, now, "worker pool started")
	})
	if err != nil {
		return nil, err
	}
	log := m.logger.WithTask(taskID)

	st := &coordination.State{
		ID:       taskID,
		Kind:     coordination.KindWorkerPool,
		Title:    tracker.Title,
		Strategy: string(strategy),
		Steps: []coordination.Step{{
			ID:           StepID,
			Name:         "Worker Pool",
			Count:        workerCount,
			Instructions: instructions,
			Status:       coordination.StepRunning,
		}},
		CreatedAt: m.tasks.Now().UTC(),
	}
	for i := range assignments {
		a := &assignments[i]
		a.TaskID = workerID(taskID, a.WorkerIndex)
		st.Steps[0].Agents = append(st.Steps[0].Agents, a.TaskID)
		st.Workers = append(st.Workers, coordination.Worker{
			Index:   a.WorkerIndex,
			TaskID:  a.TaskID,
			Scope:   a.Scope,
			Primary: a.Primary,
		})
	}
	if err := coordination.Open(contextFile, coordination.WithClock(m.tasks.Now)).Create(ctx, st); err != nil {
		if _, ferr := m.tasks.Fail(context.WithoutCancel(ctx), taskID, err); ferr != nil {
			log.Warn("could not fail pool tracker", "error", ferr)
		}
		return nil, err
	}
	log.Info("worker pool created", "workers", workerCount, "strategy", string(strategy))

	if err := m.spawnMissing(ctx, tracker, st); err != nil {
		return nil, err
	}
	return m.tasks.Get(context.WithoutCancel(ctx), taskID)
}

// spawnMissing creates and dispatches every registered worker that has no
// task record yet.
func (m *Manager) spawnMissing(ctx context.Context, tracker *task.Task, st *coordination.State) error {
	var created []*task.Task
	for _, w := range st.Workers {
		_, err := m.tasks.Get(ctx, w.TaskID)
		if err == nil {
			continue
		}
		if !errors.IsNotFound(err) {
			return err
		}
		maxRetries := tracker.MaxRetries
		child, err := m.tasks.Create(ctx, task.NewTask{
			ID:             w.TaskID,
			ProjectID:      tracker.ProjectID,
			ProjectDir:     tracker.ProjectDir,
			Title:          fmt.Sprintf("%s (worker %d/%d)", tracker.Title, w.Index, len(st.Workers)),
			Description:    st.Steps[0].Instructions,
			Kind:           task.KindTask,
			Priority:       tracker.Priority,
			MaxRetries:     &maxRetries,
			TimeoutMinutes: tracker.TimeoutMinutes,
			ParentTaskID:   tracker.ID,
			WorkerIndex:    w.Index,
			TotalWorkers:   len(st.Workers),
			Scope:          w.Scope,
			ContextFile:    tracker.ContextFile,
			Start:          true,
		})
		if err != nil {
			if errors.Is(err, errors.ErrDuplicateID) {
				continue
			}
			return err
		}
		created = append(created, child)
	}

	for _, child := range created {
		if _, err := m.dispatcher.DispatchNow(ctx, child.ID); err != nil {
			m.logger.WithTask(child.ID).Warn("immediate dispatch failed", "error", err)
		}
	}
	return nil
}

// CheckWorkerPoolCompletion reports whether every worker of the pool has
// completed. The first check that sees all workers completed, or any
// worker permanently failed, settles the pool step and the tracker; later
// checks only report.
func (m *Manager) CheckWorkerPoolCompletion(ctx context.Context, parentID string) (bool, error) {
	tracker, err := m.tracker(ctx, parentID)
	if err != nil {
		return false, err
	}
	doc := m.document(tracker)

	var (
		settled   coordination.StepStatus
		completed int
		workers   = -1
	)
	st, err := doc.Update(ctx, func(s *coordination.State) error {
		step, _, err := s.Step(StepID)
		if err != nil {
			return err
		}
		if step.Status != coordination.StepRunning || tracker.Status.IsTerminal() {
			return errUnchanged
		}
		kids, err := m.tasks.List(ctx, task.Filter{ParentTaskID: parentID})
		if err != nil {
			return err
		}
		workers = len(kids)
		var done []*task.Task
		for _, k := range kids {
			switch k.Status {
			case task.StatusCompleted:
				done = append(done, k)
			case task.StatusFailed, task.StatusCancelled:
				step.Summary = fmt.Sprintf("worker %d (%s) %s: %s", k.WorkerIndex, k.ID, k.Status, k.Error)
				settled = coordination.StepFailed
				return s.SetStepStatus(StepID, coordination.StepFailed)
			}
		}
		completed = len(done)
		if completed < step.Count {
			return errUnchanged
		}
		for _, k := range done {
			if k.Result != "" {
				if err := s.AddOutput(StepID, fmt.Sprintf("worker %d: %s", k.WorkerIndex, k.Result)); err != nil {
					return err
				}
			}
		}
		step.Summary = fmt.Sprintf("%d/%d workers completed", completed, step.Count)
		settled = coordination.StepCompleted
		return s.SetStepStatus(StepID, coordination.StepCompleted)
	})
	if errors.Is(err, errUnchanged) {
		st, err = doc.Load()
	}
	if err != nil {
		return false, err
	}
	step := st.Steps[0]
	if settled != "" {
		m.logger.WithTask(parentID).Info("worker pool step settled", "status", string(settled), "summary", step.Summary)
	}

	switch step.Status {
	case coordination.StepFailed:
		return false, m.failTracker(ctx, tracker, step)
	case coordination.StepCompleted:
		return true, m.completeTracker(ctx, tracker, st)
	}
	if workers >= 0 && workers < len(st.Workers) {
		return false, m.spawnMissing(ctx, tracker, st)
	}
	return false, nil
}

func (m *Manager) failTracker(ctx context.Context, tracker *task.Task, step coordination.Step) error {
	if tracker.Status.IsTerminal() {
		return nil
	}
	cause := errors.NewWorkerFailure("worker pool failed", errors.New(step.Summary))
	if _, err := m.tasks.Fail(ctx, tracker.ID, cause); err != nil {
		if errors.IsInvalidState(err) {
			return nil
		}
		return err
	}
	completed := m.haltWorkers(ctx, tracker.ID, "worker pool failed")
	m.logger.WithTask(tracker.ID).Error("worker pool failed", "error", cause)
	m.bus.Publish(event.NewPoolFinishedEvent(tracker.ID, false, tracker.TotalWorkers, completed))
	return nil
}

func (m *Manager) completeTracker(ctx context.Context, tracker *task.Task, st *coordination.State) error {
	if tracker.Status.IsTerminal() {
		return nil
	}
	kids, err := m.tasks.List(ctx, task.Filter{ParentTaskID: tracker.ID})
	if err != nil {
		return err
	}
	var artifacts []string
	for _, k := range kids {
		artifacts = append(artifacts, k.Artifacts...)
	}
	out := task.Outcome{
		Result:    fmt.Sprintf("Worker pool completed: %d/%d workers (%s)", len(kids), len(st.Workers), st.Strategy),
		Artifacts: artifacts,
	}
	if _, err := m.tasks.Complete(ctx, tracker.ID, out); err != nil {
		if errors.IsInvalidState(err) {
			return nil
		}
		return err
	}
	m.logger.WithTask(tracker.ID).Info("worker pool completed", "workers", len(kids))
	m.bus.Publish(event.NewPoolFinishedEvent(tracker.ID, true, len(st.Workers), len(kids)))
	return nil
}

// Cancel cancels the tracker and every unsettled worker, and marks the
// pool step failed.
func (m *Manager) Cancel(ctx context.Context, parentID, reason string) (*task.Task, error) {
	if reason == "" {
		reason = "worker pool cancelled"
	}
	if _, err := m.tracker(ctx, parentID); err != nil {
		return nil, err
	}
	tracker, err := m.tasks.Cancel(ctx, parentID, reason)
	if err != nil {
		return nil, err
	}
	completed := m.haltWorkers(ctx, parentID, reason)

	_, err = m.document(tracker).Update(ctx, func(s *coordination.State) error {
		cur := s.Current()
		if cur.Status != coordination.StepRunning {
			return errUnchanged
		}
		cur.Summary = "cancelled: " + reason
		return s.SetStepStatus(cur.ID, coordination.StepFailed)
	})
	if err != nil && !errors.Is(err, errUnchanged) && !errors.IsNotFound(err) {
		m.logger.WithTask(parentID).Warn("could not mark pool cancelled", "error", err)
	}
	m.logger.WithTask(parentID).Info("worker pool cancelled", "reason", reason)
	m.bus.Publish(event.NewPoolFinishedEvent(parentID, false, tracker.TotalWorkers, completed))
	return tracker, nil
}

// haltWorkers cancels unsettled workers and returns how many completed.
func (m *Manager) haltWorkers(ctx context.Context, parentID, reason string) int {
	kids, err := m.tasks.List(ctx, task.Filter{ParentTaskID: parentID})
	if err != nil {
		m.logger.WithTask(parentID).Warn("list workers failed", "error", err)
		return 0
	}
	completed := 0
	for _, k := range kids {
		if k.Status == task.StatusCompleted {
			completed++
		}
		if k.Status.IsTerminal() {
			continue
		}
		if _, err := m.tasks.Cancel(ctx, k.ID, reason); err != nil && !errors.IsInvalidState(err) {
			m.logger.WithTask(k.ID).Warn("cancel worker failed", "error", err)
			continue
		}
		if m.stopper != nil && !k.Handle.IsZero() {
			if err := m.stopper.Stop(k.Handle); err != nil {
				m.logger.WithTask(k.ID).Warn("stop worker failed", "error", err)
			}
		}
	}
	return completed
}

// CheckTracker re-runs the completion check. The queue sweep uses it as
// a backstop for missed worker events.
func (m *Manager) CheckTracker(ctx context.Context, tracker *task.Task) error {
	_, err := m.CheckWorkerPoolCompletion(ctx, tracker.ID)
	return err
}

// Assignments returns the worker assignments recorded for a pool.
func (m *Manager) Assignments(ctx context.Context, parentID string) ([]Assignment, error) {
	tracker, err := m.tracker(ctx, parentID)
	if err != nil {
		return nil, err
	}
	st, err := m.document(tracker).Load()
	if err != nil {
		return nil, err
	}
	out := make([]Assignment, len(st.Workers))
	for i, w := range st.Workers {
		out[i] = Assignment{
			WorkerIndex:  w.Index,
			TaskID:       w.TaskID,
			Scope:        w.Scope,
			Instructions: st.Steps[0].Instructions,
			Primary:      w.Primary,
		}
	}
	return out, nil
}

// MergeWorkerOutputs renders a markdown report of what each worker
// produced. It only reads.
func (m *Manager) MergeWorkerOutputs(ctx context.Context, parentID string) (string, error) {
	tracker, err := m.tracker(ctx, parentID)
	if err != nil {
		return "", err
	}
	st, err := m.document(tracker).Load()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Worker Pool: %s\n\n", st.Title)
	fmt.Fprintf(&sb, "- Pool: %s\n", st.ID)
	fmt.Fprintf(&sb, "- Strategy: %s\n", st.Strategy)
	fmt.Fprintf(&sb, "- Status: %s\n", tracker.Status)
	if s := st.Steps[0].Summary; s != "" {
		fmt.Fprintf(&sb, "- Summary: %s\n", s)
	}
	sb.WriteString("\n")

	for _, w := range st.Workers {
		role := ""
		if w.Primary {
			role = " (primary)"
		}
		fmt.Fprintf(&sb, "## Worker %d%s\n\n", w.Index, role)
		fmt.Fprintf(&sb, "Task: %s\n\n", w.TaskID)
		fmt.Fprintf(&sb, "Scope: %s\n\n", w.Scope)

		k, err := m.tasks.Get(ctx, w.TaskID)
		if err != nil {
			if !errors.IsNotFound(err) {
				return "", err
			}
			sb.WriteString("Status: not created\n\n")
			continue
		}
		fmt.Fprintf(&sb, "Status: %s\n\n", k.Status)
		if k.Result != "" {
			fmt.Fprintf(&sb, "### Result\n\n%s\n\n", k.Result)
		}
		if k.Error != "" {
			fmt.Fprintf(&sb, "### Error\n\n%s\n\n", k.Error)
		}
		if len(k.Artifacts) > 0 {
			sb.WriteString("### Artifacts\n\n")
			for _, a := range k.Artifacts {
				fmt.Fprintf(&sb, "- %s\n", a)
			}
			sb.WriteString("\n")
		}
	}

	if outs := st.Steps[0].Outputs; len(outs) > 0 {
		sb.WriteString("## Recorded Outputs\n\n")
		for _, o := range outs {
			fmt.Fprintf(&sb, "- %s\n", o)
		}
		sb.WriteString("\n")
	}
	if len(st.Messages) > 0 {
		fmt.Fprintf(&sb, "## Messages\n\n%d message(s) exchanged; see %s.\n", len(st.Messages), tracker.ContextFile)
	}
	return strings.TrimRight(sb.String(), "\n") + "\n", nil
}

func (m *Manager) tracker(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Kind != task.KindPool {
		return nil, errors.NewNotFoundError("worker pool", id)
	}
	return t, nil
}

func (m *Manager) document(tracker *task.Task) *coordination.Document {
	path := tracker.ContextFile
	if path == "" {
		path = coordination.Path(tracker.ProjectDir, tracker.ID)
	}
	return coordination.Open(path, coordination.WithClock(m.tasks.Now))
}

func workerID(parentID string, index int) string {
	return fmt.Sprintf("%s-w%d", parentID, index)
}
