package task

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/event"
	"github.com/Iron-Ham/relay/internal/logging"
)

// NewTask describes a task to create.
type NewTask struct {
	// ID is optional; a UUID is generated when empty.
	ID          string
	ProjectID   string
	ProjectDir  string
	Title       string
	Description string
	AgentID     string
	Kind        Kind
	Priority    Priority

	// MaxRetries overrides the manager's default retry budget when non-nil.
	MaxRetries *int
	// TimeoutMinutes overrides the default worker timeout when positive.
	TimeoutMinutes int

	ParentTaskID string
	StepID       string
	StepIndex    int
	WorkerIndex  int
	TotalWorkers int
	Scope        string
	OutputFiles  []string
	ContextFile  string

	// Start moves the task straight from created to pending.
	Start bool
}

// Outcome is the successful result reported for a task.
type Outcome struct {
	Result    string
	Artifacts []string
}

// Manager applies lifecycle operations to tasks held in a Store.
// It is safe for concurrent use; serialization is provided by the Store.
type Manager struct {
	store  Store
	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time
	newID  func() string

	maxRetries     atomic.Int64
	timeoutMinutes atomic.Int64
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	cfg := defaultManagerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	m := &Manager{
		store:  store,
		bus:    cfg.bus,
		logger: cfg.logger.WithComponent("task"),
		now:    cfg.now,
		newID:  cfg.newID,
	}
	m.maxRetries.Store(int64(cfg.maxRetries))
	m.timeoutMinutes.Store(int64(cfg.timeoutMinutes))
	return m
}

// DefaultMaxRetries returns the retry budget applied to new tasks.
func (m *Manager) DefaultMaxRetries() int { return int(m.maxRetries.Load()) }

// SetDefaultMaxRetries changes the retry budget applied to new tasks.
func (m *Manager) SetDefaultMaxRetries(n int) {
	if n >= 0 {
		m.maxRetries.Store(int64(n))
	}
}

// DefaultTimeout returns the worker timeout applied to new tasks.
func (m *Manager) DefaultTimeout() time.Duration {
	return time.Duration(m.timeoutMinutes.Load()) * time.Minute
}

// SetDefaultTimeout changes the worker timeout applied to new tasks.
// Durations under a minute are ignored.
func (m *Manager) SetDefaultTimeout(d time.Duration) {
	if mins := int64(d / time.Minute); mins > 0 {
		m.timeoutMinutes.Store(mins)
	}
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now() }

// Create validates and persists a new task.
func (m *Manager) Create(ctx context.Context, nt NewTask) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(nt.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", errors.ErrInvalidInput)
	}

	kind := nt.Kind
	if kind == "" {
		kind = KindTask
	}
	if kind != KindTask && !kind.IsTracker() {
		return nil, fmt.Errorf("%w: unknown kind %q", errors.ErrInvalidInput, kind)
	}
	priority := nt.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", errors.ErrInvalidInput, priority)
	}

	maxRetries := m.DefaultMaxRetries()
	if nt.MaxRetries != nil {
		if *nt.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max retries must be non-negative", errors.ErrInvalidInput)
		}
		maxRetries = *nt.MaxRetries
	}
	timeout := int(m.timeoutMinutes.Load())
	if nt.TimeoutMinutes > 0 {
		timeout = nt.TimeoutMinutes
	}

	id := nt.ID
	if id == "" {
		id = m.newID()
	}

	now := m.now()
	t := &Task{
		ID:             id,
		ProjectID:      nt.ProjectID,
		ProjectDir:     nt.ProjectDir,
		Title:          nt.Title,
		Description:    nt.Description,
		AgentID:        nt.AgentID,
		Kind:           kind,
		Status:         StatusCreated,
		Priority:       priority,
		CreatedAt:      now,
		MaxRetries:     maxRetries,
		TimeoutMinutes: timeout,
		StatusHistory:  []StatusChange{{Status: StatusCreated, Timestamp: now}},
		ParentTaskID:   nt.ParentTaskID,
		StepID:         nt.StepID,
		StepIndex:      nt.StepIndex,
		WorkerIndex:    nt.WorkerIndex,
		TotalWorkers:   nt.TotalWorkers,
		Scope:          nt.Scope,
		OutputFiles:    nt.OutputFiles,
		ContextFile:    nt.ContextFile,
	}
	if nt.Start {
		if err := Apply(t, EventStart, now, ""); err != nil {
			return nil, err
		}
	}

	if err := m.store.Create(t); err != nil {
		return nil, err
	}

	m.logger.WithTask(t.ID).Info("task created",
		"kind", string(t.Kind),
		"priority", string(t.Priority),
		"parent_task_id", t.ParentTaskID,
		"status", string(t.Status),
	)
	m.publish(event.NewTaskCreatedEvent(t.ID, string(t.Kind), t.ParentTaskID, string(t.Priority)))
	if t.Status != StatusCreated {
		m.publish(event.NewTaskStatusChangedEvent(t.ID, t.ParentTaskID, string(StatusCreated), string(t.Status), ""))
	}
	return t.Clone(), nil
}

// Get returns a copy of the task.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.store.Get(id)
}

// List returns copies of the tasks matching filter in creation order.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.store.List(filter)
}

// Transition applies a single lifecycle event.
func (m *Manager) Transition(ctx context.Context, id string, ev Event, reason string) (*Task, error) {
	return m.Mutate(ctx, id, func(t *Task, now time.Time) error {
		return Apply(t, ev, now, reason)
	})
}

// Start moves a created task into the pending queue.
func (m *Manager) Start(ctx context.Context, id string) (*Task, error) {
	return m.Transition(ctx, id, EventStart, "")
}

// Activate claims a pending task for dispatch.
func (m *Manager) Activate(ctx context.Context, id string) (*Task, error) {
	return m.Transition(ctx, id, EventActivate, "")
}

// Dispatch records the spawned worker and moves the task to processing.
func (m *Manager) Dispatch(ctx context.Context, id string, h Handle) (*Task, error) {
	return m.Mutate(ctx, id, func(t *Task, now time.Time) error {
		if err := Apply(t, EventDispatch, now, h.Backend); err != nil {
			return err
		}
		t.Handle = h
		return nil
	})
}

// Complete settles a processing task as completed.
func (m *Manager) Complete(ctx context.Context, id string, out Outcome) (*Task, error) {
	return m.Mutate(ctx, id, func(t *Task, now time.Time) error {
		if err := Apply(t, EventComplete, now, ""); err != nil {
			return err
		}
		t.Result = out.Result
		t.Error = ""
		if len(out.Artifacts) > 0 {
			t.Artifacts = append([]string(nil), out.Artifacts...)
		}
		if t.Progress < 100 {
			t.Progress = 100
		}
		return nil
	})
}

// Fail records a worker failure. A schedulable task with retry budget left
// goes through failed back to pending in one write and its RetryCount
// grows; otherwise it settles failed with "Failed after N attempts".
// Trackers and non-retryable causes settle immediately with the cause as
// the error.
func (m *Manager) Fail(ctx context.Context, id string, cause error) (*Task, error) {
	return m.Mutate(ctx, id, func(t *Task, now time.Time) error {
		return failWithPolicy(t, EventFail, cause, now)
	})
}

// Requeue records a spawn failure for an active task: back to pending while
// budget remains, otherwise settled failed.
func (m *Manager) Requeue(ctx context.Context, id string, cause error) (*Task, error) {
	return m.Mutate(ctx, id, func(t *Task, now time.Time) error {
		return failWithPolicy(t, EventRequeue, cause, now)
	})
}

// failWithPolicy applies the retry policy. ev is EventFail for worker
// failures and EventRequeue for spawn failures.
func failWithPolicy(t *Task, ev Event, cause error, now time.Time) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	retryable := t.Schedulable() && (cause == nil || errors.IsRetryable(cause))
	if !retryable {
		if err := Apply(t, EventFail, now, msg); err != nil {
			return err
		}
		t.Error = msg
		return nil
	}

	if t.HasRetryBudget() {
		switch ev {
		case EventRequeue:
			if err := Apply(t, EventRequeue, now, msg); err != nil {
				return err
			}
		default:
			if err := Apply(t, EventFail, now, msg); err != nil {
				return err
			}
			if err := Apply(t, EventRetry, now, "automatic retry"); err != nil {
				return err
			}
		}
		t.RetryCount++
		t.Error = msg
		t.Handle = Handle{}
		return nil
	}

	final := fmt.Sprintf("Failed after %d attempts: %s", t.Attempts(), msg)
	if err := Apply(t, EventFail, now, final); err != nil {
		return err
	}
	t.Error = final
	return nil
}

// Cancel settles a non-terminal task as cancelled.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*Task, error) {
	return m.Transition(ctx, id, EventCancel, reason)
}

// Retry reopens a failed task with a fresh retry budget.
func (m *Manager) Retry(ctx context.Context, id string) (*Task, error) {
	return m.Mutate(ctx, id, func(t *Task, now time.Time) error {
		if err := Apply(t, EventRetry, now, "manual retry"); err != nil {
			return err
		}
		t.RetryCount = 0
		t.Error = ""
		t.Handle = Handle{}
		return nil
	})
}

// Delete removes a task that has not settled and is not being processed.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := m.store.Delete(id, func(t *Task) error {
		if t.Status.IsTerminal() || t.Status == StatusProcessing {
			return errors.NewInvalidStateError(t.ID, string(t.Status), "delete")
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.WithTask(id).Info("task deleted")
	return nil
}

// RecordProgress stores a progress sample on a non-terminal task.
func (m *Manager) RecordProgress(ctx context.Context, id string, p ProgressUpdate) (*Task, error) {
	return m.Mutate(ctx, id, func(t *Task, now time.Time) error {
		if t.Status.IsTerminal() {
			return errors.NewInvalidStateError(t.ID, string(t.Status), "record progress for")
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = now
		}
		p.Percentage = min(max(p.Percentage, 0), 100)
		t.Progress = p.Percentage
		if p.CurrentStep != "" {
			t.CurrentStep = p.CurrentStep
		}
		t.ProgressUpdates = append(t.ProgressUpdates, p)
		if over := len(t.ProgressUpdates) - maxProgressUpdates; over > 0 {
			t.ProgressUpdates = append([]ProgressUpdate(nil), t.ProgressUpdates[over:]...)
		}
		return nil
	})
}

// Mutate runs fn as one atomic read-modify-write and publishes the status
// changes it made. fn receives the manager's current time and may call
// Apply any number of times.
func (m *Manager) Mutate(ctx context.Context, id string, fn func(t *Task, now time.Time) error) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var prevLen int
	var prevStatus Status
	updated, err := m.store.Update(id, func(t *Task) error {
		prevLen = len(t.StatusHistory)
		prevStatus = t.Status
		return fn(t, m.now())
	})
	if err != nil {
		return nil, err
	}

	m.publishChanges(updated, prevLen, prevStatus)
	return updated, nil
}

func (m *Manager) publishChanges(t *Task, prevLen int, prevStatus Status) {
	if prevLen > len(t.StatusHistory) {
		prevLen = len(t.StatusHistory)
	}
	from := prevStatus
	for _, change := range t.StatusHistory[prevLen:] {
		m.logger.WithTask(t.ID).Info("task status changed",
			"from", string(from),
			"to", string(change.Status),
			"reason", change.Reason,
		)
		m.publish(event.NewTaskStatusChangedEvent(t.ID, t.ParentTaskID, string(from), string(change.Status), change.Reason))
		from = change.Status
	}

	if t.Status.IsTerminal() && !prevStatus.IsTerminal() {
		m.publish(event.NewTaskTerminalEvent(t.ID, t.ParentTaskID, string(t.Kind), string(t.Status), t.Error, t.RetryCount))
	}
}

func (m *Manager) publish(e event.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
