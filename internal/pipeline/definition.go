package pipeline

import (
	"bytes"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/relay/internal/errors"
)

var templates = map[string]Config{
	"plan-implement-review": {
		Name:        "plan-implement-review",
		Description: "Plan the change, implement it in parallel, then review the result.",
		Steps: []StepConfig{
			{
				ID:           "plan",
				Name:         "Plan",
				Type:         "plan",
				Count:        1,
				Instructions: "Study the codebase and write an implementation plan to PLAN.md. Split the work into parts that two engineers can do in parallel without touching the same files.",
				OutputFiles:  []string{"PLAN.md"},
			},
			{
				ID:           "implement",
				Name:         "Implement",
				Type:         "implement",
				Count:        2,
				Instructions: "Implement your share of PLAN.md. Agree on the split with the other agent through the coordination document before editing files.",
				DependsOn:    []string{"plan"},
			},
			{
				ID:           "review",
				Name:         "Review",
				Type:         "review",
				Count:        1,
				Instructions: "Review the implementation against PLAN.md. Fix defects you find, run the tests and summarize the remaining risks.",
				DependsOn:    []string{"implement"},
			},
		},
	},
	"implement-review": {
		Name:        "implement-review",
		Description: "Implement the change, then have a second agent review it.",
		Steps: []StepConfig{
			{
				ID:           "implement",
				Name:         "Implement",
				Type:         "implement",
				Count:        1,
				Instructions: "Implement the requested change with tests.",
			},
			{
				ID:           "review",
				Name:         "Review",
				Type:         "review",
				Count:        1,
				Instructions: "Review the change made in the previous step. Fix defects you find and run the tests.",
				DependsOn:    []string{"implement"},
			},
		},
	},
	"parallel-research": {
		Name:        "parallel-research",
		Description: "Investigate a question from several angles, then synthesize one answer.",
		Steps: []StepConfig{
			{
				ID:           "research",
				Name:         "Research",
				Type:         "research",
				Count:        3,
				Instructions: "Investigate the question independently. Claim an angle in the coordination document first so agents do not duplicate each other, and record findings as outputs.",
			},
			{
				ID:           "synthesize",
				Name:         "Synthesize",
				Type:         "synthesize",
				Count:        1,
				Instructions: "Combine the research outputs into one answer in FINDINGS.md, noting disagreements.",
				DependsOn:    []string{"research"},
				OutputFiles:  []string{"FINDINGS.md"},
			},
		},
	},
}

// TemplateNames lists the built-in templates in sorted order.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Template returns a copy of a built-in template.
func Template(name string) (Config, error) {
	tpl, ok := templates[name]
	if !ok {
		return Config{}, errors.NewNotFoundError("pipeline template", name)
	}
	out := tpl
	out.Steps = make([]StepConfig, len(tpl.Steps))
	for i, s := range tpl.Steps {
		s.DependsOn = slices.Clone(s.DependsOn)
		s.OutputFiles = slices.Clone(s.OutputFiles)
		out.Steps[i] = s
	}
	return out, nil
}

// LoadDefinition reads a YAML pipeline definition from path.
func LoadDefinition(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.NewConfigError("cannot read pipeline definition").WithField("path").WithValue(path).WithCause(err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes a YAML pipeline definition. Unknown keys are
// rejected so typos do not silently drop settings.
func ParseDefinition(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			return Config{}, errors.NewConfigError("pipeline definition is empty")
		}
		return Config{}, errors.NewConfigError("invalid pipeline definition").WithCause(err)
	}
	return cfg, nil
}

// Resolve returns the built-in template called ref, or else loads ref as a
// definition file.
func Resolve(ref string) (Config, error) {
	if _, ok := templates[ref]; ok {
		return Template(ref)
	}
	return LoadDefinition(ref)
}
