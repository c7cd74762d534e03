package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier.
	EventType() string
	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeTaskCreated         = "task.created"
	TypeTaskStatusChanged   = "task.status_changed"
	TypeTaskTerminal        = "task.terminal"
	TypeTaskDispatched      = "task.dispatched"
	TypeQueueTick           = "queue.tick"
	TypePipelineStepChanged = "pipeline.step_changed"
	TypePipelineFinished    = "pipeline.finished"
	TypePoolFinished        = "pool.finished"
	TypeWorkerReported      = "worker.reported"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// -----------------------------------------------------------------------------
// Task Lifecycle Events
// -----------------------------------------------------------------------------

// TaskCreatedEvent is emitted after a task record is persisted.
type TaskCreatedEvent struct {
	baseEvent
	TaskID       string
	Kind         string
	ParentTaskID string
	Priority     string
}

// NewTaskCreatedEvent creates a TaskCreatedEvent.
func NewTaskCreatedEvent(taskID, kind, parentTaskID, priority string) TaskCreatedEvent {
	return TaskCreatedEvent{
		baseEvent:    newBaseEvent(TypeTaskCreated),
		TaskID:       taskID,
		Kind:         kind,
		ParentTaskID: parentTaskID,
		Priority:     priority,
	}
}

// TaskStatusChangedEvent is emitted for every persisted status transition.
// A failure that is immediately requeued emits two of these, failed then pending.
type TaskStatusChangedEvent struct {
	baseEvent
	TaskID       string
	ParentTaskID string
	From         string
	To           string
	Reason       string
}

// NewTaskStatusChangedEvent creates a TaskStatusChangedEvent.
func NewTaskStatusChangedEvent(taskID, parentTaskID, from, to, reason string) TaskStatusChangedEvent {
	return TaskStatusChangedEvent{
		baseEvent:    newBaseEvent(TypeTaskStatusChanged),
		TaskID:       taskID,
		ParentTaskID: parentTaskID,
		From:         from,
		To:           to,
		Reason:       reason,
	}
}

// TaskTerminalEvent is emitted once when a task settles in completed,
// failed (with no retry budget left) or cancelled.
type TaskTerminalEvent struct {
	baseEvent
	TaskID       string
	ParentTaskID string
	Kind         string
	Status       string
	Error        string
	RetryCount   int
}

// NewTaskTerminalEvent creates a TaskTerminalEvent.
func NewTaskTerminalEvent(taskID, parentTaskID, kind, status, errMsg string, retryCount int) TaskTerminalEvent {
	return TaskTerminalEvent{
		baseEvent:    newBaseEvent(TypeTaskTerminal),
		TaskID:       taskID,
		ParentTaskID: parentTaskID,
		Kind:         kind,
		Status:       status,
		Error:        errMsg,
		RetryCount:   retryCount,
	}
}

// Succeeded reports whether the task settled as completed.
func (e TaskTerminalEvent) Succeeded() bool { return e.Status == "completed" }

// TaskDispatchedEvent is emitted when a worker was spawned for a task.
type TaskDispatchedEvent struct {
	baseEvent
	TaskID  string
	Backend string
	PID     int
	Session string
}

// NewTaskDispatchedEvent creates a TaskDispatchedEvent.
func NewTaskDispatchedEvent(taskID, backend string, pid int, session string) TaskDispatchedEvent {
	return TaskDispatchedEvent{
		baseEvent: newBaseEvent(TypeTaskDispatched),
		TaskID:    taskID,
		Backend:   backend,
		PID:       pid,
		Session:   session,
	}
}

// -----------------------------------------------------------------------------
// Queue Events
// -----------------------------------------------------------------------------

// QueueTickEvent summarizes one ProcessQueue pass.
type QueueTickEvent struct {
	baseEvent
	Swept    int // non-terminal tasks examined by the sweep
	Admitted int // tasks moved from pending into dispatch
	Running  int // active+processing schedulable tasks after the pass
	Pending  int // schedulable tasks still waiting
	Duration time.Duration
}

// NewQueueTickEvent creates a QueueTickEvent.
func NewQueueTickEvent(swept, admitted, running, pending int, duration time.Duration) QueueTickEvent {
	return QueueTickEvent{
		baseEvent: newBaseEvent(TypeQueueTick),
		Swept:     swept,
		Admitted:  admitted,
		Running:   running,
		Pending:   pending,
		Duration:  duration,
	}
}

// -----------------------------------------------------------------------------
// Composition Events
// -----------------------------------------------------------------------------

// PipelineStepChangedEvent is emitted when a pipeline step changes status.
type PipelineStepChangedEvent struct {
	baseEvent
	PipelineID string
	StepID     string
	StepIndex  int
	Status     string
}

// NewPipelineStepChangedEvent creates a PipelineStepChangedEvent.
func NewPipelineStepChangedEvent(pipelineID, stepID string, stepIndex int, status string) PipelineStepChangedEvent {
	return PipelineStepChangedEvent{
		baseEvent:  newBaseEvent(TypePipelineStepChanged),
		PipelineID: pipelineID,
		StepID:     stepID,
		StepIndex:  stepIndex,
		Status:     status,
	}
}

// PipelineFinishedEvent is emitted when a pipeline parent settles.
type PipelineFinishedEvent struct {
	baseEvent
	PipelineID string
	Success    bool
	Reason     string
}

// NewPipelineFinishedEvent creates a PipelineFinishedEvent.
func NewPipelineFinishedEvent(pipelineID string, success bool, reason string) PipelineFinishedEvent {
	return PipelineFinishedEvent{
		baseEvent:  newBaseEvent(TypePipelineFinished),
		PipelineID: pipelineID,
		Success:    success,
		Reason:     reason,
	}
}

// PoolFinishedEvent is emitted when a worker pool parent settles.
type PoolFinishedEvent struct {
	baseEvent
	PoolID    string
	Success   bool
	Workers   int
	Completed int
}

// NewPoolFinishedEvent creates a PoolFinishedEvent.
func NewPoolFinishedEvent(poolID string, success bool, workers, completed int) PoolFinishedEvent {
	return PoolFinishedEvent{
		baseEvent: newBaseEvent(TypePoolFinished),
		PoolID:    poolID,
		Success:   success,
		Workers:   workers,
		Completed: completed,
	}
}

// WorkerReportedEvent is emitted when a worker writes its outcome marker.
type WorkerReportedEvent struct {
	baseEvent
	TaskID string
	Path   string
}

// NewWorkerReportedEvent creates a WorkerReportedEvent.
func NewWorkerReportedEvent(taskID, path string) WorkerReportedEvent {
	return WorkerReportedEvent{
		baseEvent: newBaseEvent(TypeWorkerReported),
		TaskID:    taskID,
		Path:      path,
	}
}
