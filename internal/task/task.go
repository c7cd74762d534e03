package task

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusCreated    Status = "created"
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusCreated, StatusPending, StatusActive, StatusProcessing,
		StatusCompleted, StatusFailed, StatusCancelled,
	}
}

func (s Status) String() string { return string(s) }

// IsTerminal reports whether the task has settled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsRunning reports whether the task occupies a concurrency slot.
func (s Status) IsRunning() bool {
	return s == StatusActive || s == StatusProcessing
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses(), s)
}

// Priority orders pending tasks for admission.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps the priority onto its total order: low < medium < high < urgent.
// Unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Kind distinguishes schedulable work from composition trackers.
type Kind string

const (
	KindTask     Kind = "task"
	KindPipeline Kind = "pipeline"
	KindPool     Kind = "pool"
)

// IsTracker reports whether tasks of this kind are non-schedulable parents.
func (k Kind) IsTracker() bool {
	return k == KindPipeline || k == KindPool
}

// StatusChange is one entry of a task's status history.
type StatusChange struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// ProgressUpdate is a progress sample taken from a worker.
type ProgressUpdate struct {
	Percentage  int       `json:"percentage"`
	Message     string    `json:"message,omitempty"`
	CurrentStep string    `json:"current_step,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Handle identifies a spawned worker so liveness can be checked later,
// possibly from another relay process.
type Handle struct {
	Backend string `json:"backend"`
	PID     int    `json:"pid,omitempty"`
	Session string `json:"session,omitempty"`
}

// IsZero reports whether no worker has been recorded.
func (h Handle) IsZero() bool {
	return h.Backend == "" && h.PID == 0 && h.Session == ""
}

// maxProgressUpdates bounds the progress samples kept on a task record.
const maxProgressUpdates = 50

// Task is the persisted record of one unit of delegated work.
type Task struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id,omitempty"`
	ProjectDir  string `json:"project_dir,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`

	Kind     Kind     `json:"kind"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DispatchedAt is when the current attempt's worker was spawned.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`

	RetryCount     int `json:"retry_count"`
	MaxRetries     int `json:"max_retries"`
	TimeoutMinutes int `json:"timeout_minutes"`

	Result    string   `json:"result,omitempty"`
	Error     string   `json:"error,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`

	StatusHistory   []StatusChange   `json:"status_history"`
	Progress        int              `json:"progress,omitempty"`
	CurrentStep     string           `json:"current_step,omitempty"`
	ProgressUpdates []ProgressUpdate `json:"progress_updates,omitempty"`

	// Composition relations. Children of a pipeline carry StepID and
	// StepIndex; children of a pool carry WorkerIndex and TotalWorkers.
	ParentTaskID string   `json:"parent_task_id,omitempty"`
	StepID       string   `json:"step_id,omitempty"`
	StepIndex    int      `json:"step_index,omitempty"`
	WorkerIndex  int      `json:"worker_index,omitempty"`
	TotalWorkers int      `json:"total_workers,omitempty"`
	Scope        string   `json:"scope,omitempty"`
	OutputFiles  []string `json:"output_files,omitempty"`
	ContextFile  string   `json:"context_file,omitempty"`

	Handle Handle `json:"handle,omitzero"`
}

// Timeout returns the worker timeout as a duration.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutMinutes) * time.Minute
}

// Schedulable reports whether the queue may admit this task.
func (t *Task) Schedulable() bool {
	return !t.Kind.IsTracker()
}

// HasRetryBudget reports whether another attempt is allowed.
func (t *Task) HasRetryBudget() bool {
	return t.RetryCount < t.MaxRetries
}

// AttemptStartedAt returns when the current attempt began. Timeouts and
// file-change evidence are measured from it.
func (t *Task) AttemptStartedAt() *time.Time {
	if t.DispatchedAt != nil {
		return t.DispatchedAt
	}
	return t.StartedAt
}

// Attempts is the number of worker attempts made so far, counting the
// current one.
func (t *Task) Attempts() int {
	return t.RetryCount + 1
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.DispatchedAt = cloneTime(t.DispatchedAt)
	cp.Artifacts = slices.Clone(t.Artifacts)
	cp.StatusHistory = slices.Clone(t.StatusHistory)
	cp.ProgressUpdates = slices.Clone(t.ProgressUpdates)
	cp.OutputFiles = slices.Clone(t.OutputFiles)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Filter selects tasks in Store.List. Zero-valued fields match everything.
type Filter struct {
	Statuses     []Status
	Kinds        []Kind
	ProjectID    string
	ParentTaskID string
	StepID       string
}

// Matches reports whether t satisfies every set criterion.
func (f Filter) Matches(t *Task) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, t.Kind) {
		return false
	}
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.ParentTaskID != "" && t.ParentTaskID != f.ParentTaskID {
		return false
	}
	if f.StepID != "" && t.StepID != f.StepID {
		return false
	}
	return true
}

// Store persists task records. Implementations own the records exclusively
// and hand out copies. Update runs mutate on the current record as one
// atomic read-modify-write; if mutate returns an error nothing is written.
type Store interface {
	List(filter Filter) ([]*Task, error)
	Get(id string) (*Task, error)
	Create(t *Task) error
	Update(id string, mutate func(*Task) error) (*Task, error)
	// Delete removes the task after check, if non-nil, accepts it. The
	// check and the removal are atomic.
	Delete(id string, check func(*Task) error) error
}
