// Package detect decides what happened to a worker that the queue is
// tracking.
//
// [Evaluate] is a pure ranked chain over the signals a worker leaves
// behind: explicit done markers first, then liveness and the timeout, then
// weaker evidence (completion-worded log lines and modified project files)
// for workers that exited without saying anything. [Inspector] gathers
// those signals from the status directory and the project tree.
package detect

import (
	"strings"
	"time"

	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/status"
)

// Outcome is the detector's classification of a worker.
type Outcome int

const (
	// Running means the worker should be left alone.
	Running Outcome = iota
	// Completed means the task succeeded.
	Completed
	// Failed means the task failed; Verdict.Err carries the cause.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Rule names the link of the chain that produced a verdict.
type Rule string

const (
	RuleSuccessMarker Rule = "success-marker"
	RuleFailureMarker Rule = "failure-marker"
	RuleAlive         Rule = "alive"
	RuleTimeout       Rule = "timeout"
	RuleKeyword       Rule = "completion-keyword"
	RuleFiles         Rule = "modified-files"
	RuleTerminated    Rule = "terminated"
)

// Signals is everything known about one worker at evaluation time.
type Signals struct {
	Now       time.Time
	StartedAt *time.Time
	Timeout   time.Duration
	Alive     bool
	Snapshot  status.Snapshot
	// OutputTail is the end of the worker's captured output.
	OutputTail string
	// ChangedFiles lists task-relevant files modified after StartedAt. It
	// is only called when the earlier rules were inconclusive; nil means
	// no file evidence.
	ChangedFiles func() []string
}

// Policy tunes the weak-evidence rules.
type Policy struct {
	// CompletionKeywords are matched case-insensitively against log lines.
	CompletionKeywords []string
}

// Verdict is the result of Evaluate.
type Verdict struct {
	Outcome   Outcome
	Rule      Rule
	Result    string
	Artifacts []string
	Err       error
	// Progress is the latest reported progress, refreshed onto running
	// tasks.
	Progress *status.Progress
}

// Evaluate runs the ranked chain. The first rule that applies wins.
func Evaluate(s Signals, p Policy) Verdict {
	if d := s.Snapshot.Done; d != nil {
		switch d.Status {
		case status.DoneComplete:
			return Verdict{Outcome: Completed, Rule: RuleSuccessMarker, Result: d.Summary, Artifacts: d.Artifacts}
		case status.DoneFailed:
			return Verdict{Outcome: Failed, Rule: RuleFailureMarker, Err: reportedFailure(d)}
		}
	}

	if s.Alive {
		if s.Timeout > 0 && s.StartedAt != nil && s.Now.Sub(*s.StartedAt) > s.Timeout {
			return Verdict{Outcome: Failed, Rule: RuleTimeout, Err: errors.NewTimeoutError("worker run", s.Timeout)}
		}
		return Verdict{Outcome: Running, Rule: RuleAlive, Progress: s.Snapshot.Progress}
	}

	if line, ok := completionLine(s, p.CompletionKeywords); ok {
		return Verdict{Outcome: Completed, Rule: RuleKeyword, Result: line}
	}

	if s.ChangedFiles != nil {
		if files := s.ChangedFiles(); len(files) > 0 {
			return Verdict{
				Outcome:   Completed,
				Rule:      RuleFiles,
				Result:    "worker exited after modifying task files",
				Artifacts: files,
			}
		}
	}

	return Verdict{Outcome: Failed, Rule: RuleTerminated, Err: errors.NewWorkerFailure(errors.ErrWorkerTerminated.Error(), nil)}
}

func reportedFailure(d *status.Done) error {
	msg := d.Error
	if msg == "" {
		msg = d.Summary
	}
	if msg == "" {
		return errors.NewWorkerFailure(errors.ErrWorkerReported.Error(), nil)
	}
	return errors.NewWorkerFailure(errors.ErrWorkerReported.Error(), errors.New(msg))
}

// completionLine returns the newest log line (or output line) containing a
// completion keyword.
func completionLine(s Signals, keywords []string) (string, bool) {
	if len(keywords) == 0 {
		return "", false
	}
	logs := s.Snapshot.Logs
	for i := len(logs) - 1; i >= 0; i-- {
		if containsKeyword(logs[i].Message, keywords) {
			return logs[i].Message, true
		}
	}
	lines := strings.Split(strings.TrimSpace(s.OutputTail), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" && containsKeyword(line, keywords) {
			return line, true
		}
	}
	return "", false
}

func containsKeyword(line string, keywords []string) bool {
	lower := strings.ToLower(line)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
