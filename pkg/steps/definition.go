// Package steps loads and renders the ordered step definitions that drive a
// verification run. Step files are YAML; templates are text/template with
// the sprig function map.
package steps

import (
	"strings"
)

// TerminalSentinel is the instance-template literal that marks a terminal
// no-op step. The orchestrator ends the run as completed when it reaches
// one, without ever invoking the agent runtime.
const TerminalSentinel = "pass"

// Templates carries the prompt templates of one step. Briefly is a short
// human description shown in listings and logs; it is not rendered.
type Templates struct {
	SystemTemplate   string `yaml:"system_template"`
	InstanceTemplate string `yaml:"instance_template"`
	Briefly          string `yaml:"briefly,omitempty"`
}

// Step is one entry of a step file.
type Step struct {
	Index     int       `yaml:"step"`
	Name      string    `yaml:"name"`
	Templates Templates `yaml:"templates"`

	// ToolNames is the full set of tools this step may call. Anything
	// outside it is unauthorized for the step.
	ToolNames []string `yaml:"tools,omitempty"`

	// RequiredContextKeys must be bound in the run context before the step
	// starts. Checked at run time, not at load time.
	RequiredContextKeys []string `yaml:"requires,omitempty"`

	// ProducedContextKeys must all appear in the step's completion payload
	// for the step to count as completed.
	ProducedContextKeys []string `yaml:"produces,omitempty"`
}

// IsTerminal reports whether this is a terminal no-op step.
func (s *Step) IsTerminal() bool {
	return strings.TrimSpace(s.Templates.InstanceTemplate) == TerminalSentinel
}

// HasTool reports whether name is in the step's tool set.
func (s *Step) HasTool(name string) bool {
	for _, n := range s.ToolNames {
		if n == name {
			return true
		}
	}
	return false
}

// Plan is a validated, ordered list of steps.
type Plan struct {
	Steps []Step `yaml:"steps"`
}

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.Steps) }

// StepAt returns the step at position i (zero-based), or false when i is
// out of range.
func (p *Plan) StepAt(i int) (*Step, bool) {
	if i < 0 || i >= len(p.Steps) {
		return nil, false
	}
	return &p.Steps[i], true
}

// CheckToolGrammar verifies that every known tool name mentioned in a
// step's template text is part of that step's tool set. Catches the classic
// drift where a prompt instructs the model to call a tool the step never
// advertises.
func (p *Plan) CheckToolGrammar(known []string) error {
	for i := range p.Steps {
		step := &p.Steps[i]
		text := step.Templates.SystemTemplate + "\n" + step.Templates.InstanceTemplate
		for _, name := range known {
			if name == "" {
				continue
			}
			if strings.Contains(text, name) && !step.HasTool(name) {
				return &ConfigurationError{
					Reason: "step " + step.Name + " references tool " + name + " outside its tools list",
				}
			}
		}
	}
	return nil
}
