package status

import (
	"os"
	"path/filepath"
	"time"
)

// File names inside a task's status directory.
const (
	ProgressFile = "progress.json"
	LogFile      = "log.jsonl"
	PIDFile      = "worker.pid"
	DoneFile     = "done.json"
	OutputFile   = "output.log"
)

// Environment variables exported to workers.
const (
	EnvTaskID       = "RELAY_TASK_ID"
	EnvStatusDir    = "RELAY_STATUS_DIR"
	EnvContextFile  = "RELAY_CONTEXT_FILE"
	EnvParentTaskID = "RELAY_PARENT_TASK_ID"
)

// DefaultLogCap is the number of lines kept in log.jsonl.
const DefaultLogCap = 500

// Progress is the content of progress.json.
type Progress struct {
	Percentage  int       `json:"percentage"`
	Message     string    `json:"message,omitempty"`
	CurrentStep string    `json:"current_step,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// LogEntry is one line of log.jsonl.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DoneStatus is the outcome declared in done.json.
type DoneStatus string

const (
	DoneComplete DoneStatus = "complete"
	DoneFailed   DoneStatus = "failed"
)

// Done is the content of done.json.
type Done struct {
	Status    DoneStatus `json:"status"`
	Summary   string     `json:"summary,omitempty"`
	Artifacts []string   `json:"artifacts,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Layout maps task ids to status directories under a data directory.
type Layout struct {
	root string
}

// NewLayout returns the layout rooted at <dataDir>/tasks.
func NewLayout(dataDir string) Layout {
	return Layout{root: filepath.Join(dataDir, "tasks")}
}

// Root returns the directory that holds every task's status directory.
func (l Layout) Root() string { return l.root }

// Dir returns the status directory of taskID.
func (l Layout) Dir(taskID string) string {
	return filepath.Join(l.root, taskID)
}

// Ensure creates the status directory of taskID.
func (l Layout) Ensure(taskID string) (string, error) {
	dir := l.Dir(taskID)
	return dir, os.MkdirAll(dir, 0755)
}

// Reset removes the side files of a previous attempt so stale markers
// cannot decide the outcome of the next one. output.log is kept.
func (l Layout) Reset(taskID string) error {
	dir := l.Dir(taskID)
	for _, name := range []string{ProgressFile, LogFile, PIDFile, DoneFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Remove deletes the status directory of taskID.
func (l Layout) Remove(taskID string) error {
	return os.RemoveAll(l.Dir(taskID))
}
