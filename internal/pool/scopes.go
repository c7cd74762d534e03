package pool

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Iron-Ham/relay/internal/errors"
)

// Strategy decides how work is divided between the workers of a pool.
type Strategy string

const (
	// StrategySplit gives each worker a disjoint partition of the work.
	StrategySplit Strategy = "split"

	// StrategyCollaborative gives every worker the whole task and lets them
	// divide it among themselves through messages.
	StrategyCollaborative Strategy = "collaborative"

	// StrategyReview has one primary implementer and reviewers for the rest.
	StrategyReview Strategy = "review"
)

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategySplit, StrategyCollaborative, StrategyReview:
		return true
	default:
		return false
	}
}

// Strategies lists the recognized strategies.
func Strategies() []Strategy {
	return []Strategy{StrategySplit, StrategyCollaborative, StrategyReview}
}

// Assignment is the work handed to one worker. WorkerIndex is 1-based.
type Assignment struct {
	WorkerIndex  int    `json:"worker_index"`
	TaskID       string `json:"task_id,omitempty"`
	Scope        string `json:"scope"`
	Instructions string `json:"instructions"`
	Primary      bool   `json:"primary,omitempty"`
}

var bulletLine = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.+)$`)

// workItems returns the bullet and numbered list items of instructions.
func workItems(instructions string) []string {
	var items []string
	for _, line := range strings.Split(instructions, "\n") {
		if m := bulletLine.FindStringSubmatch(line); m != nil {
			items = append(items, strings.TrimSpace(m[1]))
		}
	}
	return items
}

// GenerateScopes divides instructions between n workers. The result is
// deterministic for a given input.
//
// split hands list items out round-robin when instructions contain a
// bullet or numbered list, so partitions never overlap; without a list,
// workers take numbered shares and claim them in the coordination
// document. collaborative gives every worker the same scope. review makes
// worker 1 the primary implementer and the rest reviewers.
func GenerateScopes(n int, strategy Strategy, instructions string) ([]Assignment, error) {
	if n < 1 {
		return nil, errors.NewConfigError("worker count must be at least 1").WithField("workers").WithValue(n)
	}
	if !strategy.IsValid() {
		return nil, errors.NewConfigError("unknown pool strategy").WithField("strategy").WithValue(string(strategy))
	}

	out := make([]Assignment, n)
	for i := range out {
		out[i] = Assignment{WorkerIndex: i + 1, Instructions: instructions}
	}

	switch strategy {
	case StrategySplit:
		items := workItems(instructions)
		for i := range out {
			out[i].Scope = splitScope(i, n, items)
		}
	case StrategyCollaborative:
		scope := fmt.Sprintf("Shared scope: the whole task, worked on together with %d other worker(s). "+
			"Announce what you take on in the coordination document before you start it, "+
			"and do not edit files another worker has claimed.", n-1)
		for i := range out {
			out[i].Scope = scope
		}
	case StrategyReview:
		out[0].Primary = true
		out[0].Scope = "Primary implementer: implement the whole task. " +
			"Post a message when a reviewable piece lands and answer reviewer findings."
		for i := 1; i < n; i++ {
			out[i].Scope = fmt.Sprintf("Reviewer %d of %d: review the primary implementer's changes as they land. "+
				"Report defects as messages to the primary implementer and verify the tests pass. "+
				"Do not make large changes yourself.", i, n-1)
		}
	}
	return out, nil
}

func splitScope(i, n int, items []string) string {
	if len(items) == 0 {
		return fmt.Sprintf("Partition %d of %d: divide the task into %d non-overlapping parts by file or module "+
			"and take part %d. Record which files you own in the coordination document before editing.", i+1, n, n, i+1)
	}

	var mine []string
	for j := i; j < len(items); j += n {
		mine = append(mine, items[j])
	}
	if len(mine) == 0 {
		return fmt.Sprintf("Partition %d of %d: no items are assigned to you. "+
			"Help by reviewing the other partitions and reporting issues as messages.", i+1, n)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Partition %d of %d. Work only on these items:\n", i+1, n)
	for _, item := range mine {
		sb.WriteString("- ")
		sb.WriteString(item)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
