package prompt

import (
	"strings"
	"testing"

	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/task"
)

func TestBuilder_Build(t *testing.T) {
	tests := []struct {
		name    string
		task    *task.Task
		want    []string
		notWant []string
	}{
		{
			name: "standalone task",
			task: &task.Task{ID: "t1", Title: "Fix login", Description: "The login form rejects valid emails."},
			want: []string{
				"# Task: Fix login",
				"The login form rejects valid emails.",
				"relay report done --summary",
				"relay report done --failed",
			},
			notWant: []string{"Pipeline", "Worker Pool", "Coordination Document", "Your Scope"},
		},
		{
			name: "pipeline child",
			task: &task.Task{
				ID: "c1", Title: "Plan", ParentTaskID: "p1", StepID: "plan", StepIndex: 0,
				ContextFile: "/repo/.relay/context-p1.md", OutputFiles: []string{"docs/*.md"},
			},
			want: []string{
				"## Part of Pipeline p1",
				"step 1 (`plan`)",
				"/repo/.relay/context-p1.md",
				"relay context output",
				"- docs/*.md",
			},
		},
		{
			name: "pool worker",
			task: &task.Task{
				ID: "w2", Title: "Refactor", ParentTaskID: "pool1", WorkerIndex: 2, TotalWorkers: 3,
				Scope: "Reviewer: review the primary implementation",
			},
			want: []string{"## Part of Worker Pool pool1", "worker 2 of 3", "## Your Scope", "Reviewer:"},
		},
		{
			name: "empty description falls back to title",
			task: &task.Task{ID: "t1", Title: "Tidy imports"},
			want: []string{"## Your Task\n\nTidy imports\n"},
		},
	}

	b := NewBuilder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.Build(tt.task)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("prompt missing %q:\n%s", w, got)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(got, w) {
					t.Errorf("prompt unexpectedly contains %q", w)
				}
			}
		})
	}
}

func TestBuilder_Invalid(t *testing.T) {
	b := NewBuilder()
	for _, tk := range []*task.Task{nil, {ID: "t1"}, {Title: "x"}} {
		if _, err := b.Build(tk); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("Build(%+v) error = %v, want ErrInvalidInput", tk, err)
		}
	}
}

func TestWithBinary(t *testing.T) {
	got, err := NewBuilder(WithBinary("/opt/relay/bin/relay")).Build(&task.Task{ID: "t", Title: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "`/opt/relay/bin/relay report done") {
		t.Errorf("custom binary not used:\n%s", got)
	}
}

func TestStepReminder(t *testing.T) {
	got := StepReminder("Review", 2, 3)
	if !strings.Contains(got, `agent 2 of 3 for pipeline step "Review"`) {
		t.Errorf("StepReminder() = %q", got)
	}
}
