package detect

import (
	"path/filepath"
	"time"

	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/status"
	"github.com/Iron-Ham/relay/internal/task"
)

// outputTailBytes is how much captured output is searched for keywords.
const outputTailBytes = 8 << 10

// Inspector gathers signals for tasks and evaluates them.
type Inspector struct {
	layout status.Layout
	policy Policy
	scan   ScanOptions
	logger *logging.Logger
}

// NewInspector returns an Inspector. scan.Patterns is the fallback used
// for tasks that do not declare their own OutputFiles.
func NewInspector(layout status.Layout, policy Policy, scan ScanOptions, logger *logging.Logger) *Inspector {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Inspector{layout: layout, policy: policy, scan: scan, logger: logger.WithComponent("detect")}
}

// Inspect evaluates the worker behind t.
func (in *Inspector) Inspect(t *task.Task, alive bool, now time.Time) Verdict {
	dir := in.layout.Dir(t.ID)
	started := t.AttemptStartedAt()
	s := Signals{
		Now:        now,
		StartedAt:  started,
		Timeout:    t.Timeout(),
		Alive:      alive,
		Snapshot:   status.Read(dir),
		OutputTail: readTail(filepath.Join(dir, status.OutputFile), outputTailBytes),
	}
	if t.ProjectDir != "" && started != nil {
		s.ChangedFiles = func() []string {
			opts := in.scan
			if len(t.OutputFiles) > 0 {
				opts.Patterns = t.OutputFiles
			}
			files, err := ScanProject(t.ProjectDir, *started, opts)
			if err != nil {
				in.logger.WithTask(t.ID).Warn("project scan failed", "dir", t.ProjectDir, "error", err)
			}
			return files
		}
	}

	v := Evaluate(s, in.policy)
	if v.Outcome != Running {
		in.logger.WithTask(t.ID).Debug("worker verdict", "outcome", v.Outcome.String(), "rule", string(v.Rule))
	}
	return v
}
