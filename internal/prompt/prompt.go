// Package prompt renders the instructions handed to a worker process.
//
// A prompt carries the task itself, its place in a pipeline or worker
// pool, and the status reporting protocol the worker must follow so the
// queue can tell success from a silent exit.
package prompt

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/task"
)

// DefaultBinary is the CLI name workers are told to call.
const DefaultBinary = "relay"

// Builder renders worker prompts.
type Builder struct {
	binary string
}

// Option configures a Builder.
type Option func(*Builder)

// WithBinary sets the CLI name used in protocol instructions, for
// installations where relay is not on PATH under its own name.
func WithBinary(path string) Option {
	return func(b *Builder) {
		if path != "" {
			b.binary = path
		}
	}
}

// NewBuilder returns a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{binary: DefaultBinary}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build renders the prompt for t.
func (b *Builder) Build(t *task.Task) (string, error) {
	if t == nil {
		return "", errors.Wrap(errors.ErrInvalidInput, "nil task")
	}
	if t.ID == "" || t.Title == "" {
		return "", errors.Wrap(errors.ErrInvalidInput, "task id and title are required")
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "# Task: %s\n\n", t.Title)
	b.writeComposition(&sb, t)

	sb.WriteString("## Your Task\n\n")
	if desc := strings.TrimSpace(t.Description); desc != "" {
		sb.WriteString(desc)
	} else {
		sb.WriteString(t.Title)
	}
	sb.WriteString("\n\n")

	if t.Scope != "" {
		sb.WriteString("## Your Scope\n\n")
		sb.WriteString(t.Scope)
		sb.WriteString("\n\n")
	}

	if len(t.OutputFiles) > 0 {
		sb.WriteString("## Expected Files\n\n")
		sb.WriteString("Your work is expected to touch files matching:\n")
		for _, f := range t.OutputFiles {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
		sb.WriteString("\n")
	}

	if t.ContextFile != "" {
		b.writeCoordination(&sb, t)
	}

	sb.WriteString("## Guidelines\n\n")
	sb.WriteString("- Focus only on this task\n")
	sb.WriteString("- Stay inside your scope unless the task cannot be done otherwise\n")
	sb.WriteString("- Report progress as you go so the orchestrator knows you are alive\n\n")

	b.writeProtocol(&sb)

	return sb.String(), nil
}

func (b *Builder) writeComposition(sb *strings.Builder, t *task.Task) {
	switch {
	case t.ParentTaskID != "" && t.StepID != "":
		fmt.Fprintf(sb, "## Part of Pipeline %s\n\n", t.ParentTaskID)
		fmt.Fprintf(sb, "You are one of the agents of step %d (`%s`). ", t.StepIndex+1, t.StepID)
		sb.WriteString("Other agents may be working on the same step in parallel.\n\n")
	case t.ParentTaskID != "" && t.TotalWorkers > 0:
		fmt.Fprintf(sb, "## Part of Worker Pool %s\n\n", t.ParentTaskID)
		fmt.Fprintf(sb, "You are worker %d of %d.\n\n", t.WorkerIndex, t.TotalWorkers)
	}
}

func (b *Builder) writeCoordination(sb *strings.Builder, t *task.Task) {
	sb.WriteString("## Shared Coordination Document\n\n")
	fmt.Fprintf(sb, "Read `%s` before you start. It lists the steps, the agents, ", t.ContextFile)
	sb.WriteString("the outputs produced so far and messages from other agents. ")
	sb.WriteString("Do not edit it by hand; use these commands instead:\n\n")
	fmt.Fprintf(sb, "- `%s context message --to <task-id|all> \"<message>\"` to talk to other agents\n", b.binary)
	fmt.Fprintf(sb, "- `%s context output \"<what you produced and where>\"` to record an output for later steps\n\n", b.binary)
}

func (b *Builder) writeProtocol(sb *strings.Builder) {
	sb.WriteString("## Status Reporting Protocol - FINAL MANDATORY STEP\n\n")
	sb.WriteString("The orchestrator decides your outcome from what you report. ")
	sb.WriteString("Your task id and status directory are already in the environment, so no ids are needed.\n\n")
	fmt.Fprintf(sb, "- `%s report progress --percent <0-100> --message \"<what you are doing>\"`\n", b.binary)
	fmt.Fprintf(sb, "- `%s report log \"<notable event>\"`\n", b.binary)
	fmt.Fprintf(sb, "- `%s report done --summary \"<what you accomplished>\" [--artifact <path>]...` when finished\n", b.binary)
	fmt.Fprintf(sb, "- `%s report done --failed --error \"<what went wrong>\"` if you cannot finish\n\n", b.binary)
	sb.WriteString("**REMEMBER**: Your task is NOT complete until you run `report done`. Do it as your last action.\n")
}

// StepReminder is appended to the description of pipeline children so
// the instruction text stored on the task explains where the agent sits.
func StepReminder(stepName string, agentIndex, count int) string {
	return fmt.Sprintf("You are agent %d of %d for pipeline step %q. "+
		"Read the shared coordination document first and record your outputs there before reporting done.",
		agentIndex, count, stepName)
}
