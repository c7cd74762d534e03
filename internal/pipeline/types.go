package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Iron-Ham/relay/internal/coordination"
	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/task"
)

// DefaultMaxAgentsPerStep bounds Step.Count unless overridden.
const DefaultMaxAgentsPerStep = 10

// StepConfig defines one step of a pipeline.
type StepConfig struct {
	ID           string   `yaml:"id,omitempty" json:"id,omitempty"`
	Name         string   `yaml:"name" json:"name"`
	Type         string   `yaml:"type,omitempty" json:"type,omitempty"`
	Count        int      `yaml:"count" json:"count"`
	Instructions string   `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	DependsOn    []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	OutputFiles  []string `yaml:"output_files,omitempty" json:"output_files,omitempty"`
}

// Config is an ordered list of steps, usually loaded from a template or a
// YAML definition file.
type Config struct {
	Name        string       `yaml:"name,omitempty" json:"name,omitempty"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []StepConfig `yaml:"steps" json:"steps"`
}

// Request asks for a new pipeline.
type Request struct {
	Title       string
	Description string
	ProjectID   string
	ProjectDir  string
	Priority    task.Priority
	Config      Config

	// MaxRetries and TimeoutMinutes are recorded on the tracker and
	// inherited by every child. Zero values use the task manager defaults.
	MaxRetries     *int
	TimeoutMinutes int
}

// Status summarizes a pipeline for callers.
type Status struct {
	PipelineID      string                  `json:"pipeline_id"`
	Step            int                     `json:"step"`
	TotalSteps      int                     `json:"total_steps"`
	CurrentStepName string                  `json:"current_step_name"`
	Status          task.Status             `json:"status"`
	StepStatus      coordination.StepStatus `json:"step_status"`
	Steps           []StepProgress          `json:"steps"`
}

// StepProgress is the per-step part of Status.
type StepProgress struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	Status    coordination.StepStatus `json:"status"`
	Agents    int                     `json:"agents"`
	Completed int                     `json:"completed"`
	Count     int                     `json:"count"`
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// Normalize fills in step ids and names and validates the result against
// maxAgents. It returns a copy; c is not modified. Every problem is
// reported as a ConfigError naming the offending field.
func (c Config) Normalize(maxAgents int) (Config, error) {
	if maxAgents <= 0 {
		maxAgents = DefaultMaxAgentsPerStep
	}
	out := Config{Name: c.Name, Description: c.Description}
	if len(c.Steps) == 0 {
		return out, errors.NewConfigError("pipeline needs at least one step").WithField("steps")
	}

	seen := make(map[string]bool, len(c.Steps))
	for i, s := range c.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		s.Name = strings.TrimSpace(s.Name)
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			s.ID = slugify(s.Name)
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i+1)
		}
		if s.Name == "" {
			s.Name = s.ID
		}
		if seen[s.ID] {
			return out, errors.NewConfigError("duplicate step id").WithField(field + ".id").WithValue(s.ID)
		}
		if s.Count < 1 {
			return out, errors.NewConfigError("step count must be at least 1").WithField(field + ".count").WithValue(s.Count)
		}
		if s.Count > maxAgents {
			return out, errors.NewConfigError(fmt.Sprintf("step count exceeds the limit of %d agents", maxAgents)).
				WithField(field + ".count").WithValue(s.Count)
		}
		for _, dep := range s.DependsOn {
			// Steps run in order, so only earlier steps can be depended on.
			if !seen[dep] {
				return out, errors.NewConfigError("depends_on must name an earlier step").
					WithField(field + ".depends_on").WithValue(dep)
			}
		}
		seen[s.ID] = true
		s.DependsOn = append([]string(nil), s.DependsOn...)
		s.OutputFiles = append([]string(nil), s.OutputFiles...)
		out.Steps = append(out.Steps, s)
	}
	return out, nil
}

// coordinationSteps converts a normalized config into the initial step
// list of a coordination document, with the first step running.
func (c Config) coordinationSteps() []coordination.Step {
	steps := make([]coordination.Step, len(c.Steps))
	for i, s := range c.Steps {
		steps[i] = coordination.Step{
			ID:           s.ID,
			Name:         s.Name,
			Type:         s.Type,
			Count:        s.Count,
			Instructions: s.Instructions,
			DependsOn:    s.DependsOn,
			OutputFiles:  s.OutputFiles,
			Status:       coordination.StepPending,
		}
	}
	steps[0].Status = coordination.StepRunning
	return steps
}
