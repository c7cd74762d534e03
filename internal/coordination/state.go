package coordination

import (
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/relay/internal/errors"
)

// Kinds of coordinated groups.
const (
	KindPipeline   = "pipeline"
	KindWorkerPool = "worker-pool"
)

// BroadcastRecipient addresses a message to every agent.
const BroadcastRecipient = "all"

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// IsTerminal reports whether the step can no longer change.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed
}

var stepTransitions = map[StepStatus][]StepStatus{
	StepPending: {StepRunning},
	StepRunning: {StepCompleted, StepFailed},
}

// Step is one stage of a coordinated group together with the definition
// needed to spawn its agents.
type Step struct {
	ID           string     `yaml:"id"`
	Name         string     `yaml:"name"`
	Type         string     `yaml:"type,omitempty"`
	Count        int        `yaml:"count"`
	Instructions string     `yaml:"instructions,omitempty"`
	DependsOn    []string   `yaml:"depends_on,omitempty"`
	OutputFiles  []string   `yaml:"output_files,omitempty"`
	Status       StepStatus `yaml:"status"`
	Agents       []string   `yaml:"agents,omitempty"`
	Outputs      []string   `yaml:"outputs,omitempty"`
	Summary      string     `yaml:"summary,omitempty"`
}

// Worker is the assignment of one worker-pool member.
type Worker struct {
	Index   int    `yaml:"index"`
	TaskID  string `yaml:"task_id"`
	Scope   string `yaml:"scope"`
	Primary bool   `yaml:"primary,omitempty"`
}

// Message is one entry of the inter-agent message log.
type Message struct {
	ID        string    `yaml:"id"`
	From      string    `yaml:"from"`
	To        string    `yaml:"to"`
	Message   string    `yaml:"message"`
	StepID    string    `yaml:"step_id,omitempty"`
	Timestamp time.Time `yaml:"timestamp"`
}

// State is the canonical content of a coordination document.
type State struct {
	ID          string    `yaml:"id"`
	Kind        string    `yaml:"kind"`
	Title       string    `yaml:"title"`
	Strategy    string    `yaml:"strategy,omitempty"`
	CurrentStep int       `yaml:"current_step"`
	Steps       []Step    `yaml:"steps"`
	Workers     []Worker  `yaml:"workers,omitempty"`
	Messages    []Message `yaml:"messages,omitempty"`
	CreatedAt   time.Time `yaml:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

// Validate checks the structural invariants of a state.
func (s *State) Validate() error {
	if s.ID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "coordination: id is required")
	}
	if len(s.Steps) == 0 {
		return errors.Wrap(errors.ErrInvalidInput, "coordination: at least one step is required")
	}
	if s.CurrentStep < 0 || s.CurrentStep >= len(s.Steps) {
		return errors.Wrapf(errors.ErrInvalidInput, "coordination: current step %d out of range", s.CurrentStep)
	}
	seen := make(map[string]bool, len(s.Steps))
	for _, st := range s.Steps {
		if st.ID == "" {
			return errors.Wrap(errors.ErrInvalidInput, "coordination: step id is required")
		}
		if seen[st.ID] {
			return errors.Wrapf(errors.ErrInvalidInput, "coordination: duplicate step id %q", st.ID)
		}
		seen[st.ID] = true
	}
	return nil
}

// Step returns the step with the given id and its index.
func (s *State) Step(id string) (*Step, int, error) {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i], i, nil
		}
	}
	return nil, -1, errors.NewNotFoundError("step", id)
}

// Current returns the current step.
func (s *State) Current() *Step {
	if s.CurrentStep < 0 || s.CurrentStep >= len(s.Steps) {
		return nil
	}
	return &s.Steps[s.CurrentStep]
}

// AdvanceTo moves the current step forward. Moving backwards is rejected.
func (s *State) AdvanceTo(index int) error {
	if index < s.CurrentStep {
		return fmt.Errorf("%w: current step cannot go from %d back to %d", errors.ErrInvalidTransition, s.CurrentStep, index)
	}
	if index >= len(s.Steps) {
		return errors.Wrapf(errors.ErrInvalidInput, "step index %d out of range", index)
	}
	s.CurrentStep = index
	return nil
}

// SetStepStatus moves a step along pending -> running -> completed|failed.
func (s *State) SetStepStatus(id string, to StepStatus) error {
	st, _, err := s.Step(id)
	if err != nil {
		return err
	}
	if !slices.Contains(stepTransitions[st.Status], to) {
		return fmt.Errorf("%w: step %s cannot go from %s to %s", errors.ErrInvalidTransition, id, st.Status, to)
	}
	st.Status = to
	return nil
}

// AddAgents registers task ids as agents of a step.
func (s *State) AddAgents(stepID string, taskIDs ...string) error {
	st, _, err := s.Step(stepID)
	if err != nil {
		return err
	}
	st.Agents = append(st.Agents, taskIDs...)
	return nil
}

// AddOutput appends an output description to a step.
func (s *State) AddOutput(stepID, output string) error {
	if output == "" {
		return errors.Wrap(errors.ErrInvalidInput, "output is empty")
	}
	st, _, err := s.Step(stepID)
	if err != nil {
		return err
	}
	st.Outputs = append(st.Outputs, output)
	return nil
}

// AddMessage appends to the message log.
func (s *State) AddMessage(m Message) error {
	if m.From == "" || m.Message == "" {
		return errors.Wrap(errors.ErrInvalidInput, "message needs a sender and a body")
	}
	if m.To == "" {
		m.To = BroadcastRecipient
	}
	if m.StepID != "" {
		if _, _, err := s.Step(m.StepID); err != nil {
			return err
		}
	}
	s.Messages = append(s.Messages, m)
	return nil
}

// MessagesFor returns the messages addressed to taskID or broadcast.
func (s *State) MessagesFor(taskID string) []Message {
	var out []Message
	for _, m := range s.Messages {
		if m.To == BroadcastRecipient || m.To == taskID {
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	cp := *s
	cp.Steps = make([]Step, len(s.Steps))
	for i, st := range s.Steps {
		st.DependsOn = slices.Clone(st.DependsOn)
		st.OutputFiles = slices.Clone(st.OutputFiles)
		st.Agents = slices.Clone(st.Agents)
		st.Outputs = slices.Clone(st.Outputs)
		cp.Steps[i] = st
	}
	cp.Workers = slices.Clone(s.Workers)
	cp.Messages = slices.Clone(s.Messages)
	return &cp
}

// checkAppendOnly verifies that next only extends prev: the current step
// never decreases, the step list keeps its shape, and agents, outputs and
// messages are only appended to.
func checkAppendOnly(prev, next *State) error {
	if next.CurrentStep < prev.CurrentStep {
		return fmt.Errorf("%w: current step decreased from %d to %d", errors.ErrInvalidTransition, prev.CurrentStep, next.CurrentStep)
	}
	if len(next.Steps) != len(prev.Steps) {
		return fmt.Errorf("%w: step list changed", ErrHistoryRewritten)
	}
	for i := range prev.Steps {
		p, n := prev.Steps[i], next.Steps[i]
		if p.ID != n.ID {
			return fmt.Errorf("%w: step %d renamed from %s to %s", ErrHistoryRewritten, i, p.ID, n.ID)
		}
		if !isPrefix(p.Agents, n.Agents) || !isPrefix(p.Outputs, n.Outputs) {
			return fmt.Errorf("%w: step %s agents or outputs rewritten", ErrHistoryRewritten, p.ID)
		}
		if p.Status != n.Status && !slices.Contains(stepTransitions[p.Status], n.Status) {
			return fmt.Errorf("%w: step %s cannot go from %s to %s", errors.ErrInvalidTransition, p.ID, p.Status, n.Status)
		}
	}
	if len(next.Messages) < len(prev.Messages) {
		return fmt.Errorf("%w: messages removed", ErrHistoryRewritten)
	}
	for i := range prev.Messages {
		if prev.Messages[i].ID != next.Messages[i].ID {
			return fmt.Errorf("%w: message %d replaced", ErrHistoryRewritten, i)
		}
	}
	return nil
}

func isPrefix(prefix, s []string) bool {
	return len(s) >= len(prefix) && slices.Equal(prefix, s[:len(prefix)])
}
