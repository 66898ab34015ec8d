package steps

import (
	"fmt"
	"os"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadFile reads and validates a YAML step file.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read step file %s", path)
	}
	plan, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "in step file %s", path)
	}
	return plan, nil
}

// Parse decodes and validates YAML step data.
func Parse(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, &ConfigurationError{Reason: "invalid step YAML", Err: err}
	}
	if err := plan.validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *Plan) validate() error {
	if len(p.Steps) == 0 {
		return &ConfigurationError{Reason: "step file defines no steps"}
	}

	prev := 0
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Index <= prev {
			return &ConfigurationError{
				Reason: fmt.Sprintf("step indexes must be strictly increasing, got %d after %d", step.Index, prev),
			}
		}
		prev = step.Index

		if step.Name == "" {
			return &ConfigurationError{Reason: fmt.Sprintf("step %d has no name", step.Index)}
		}
		if step.Templates.InstanceTemplate == "" {
			return &ConfigurationError{Reason: fmt.Sprintf("step %q has no instance_template", step.Name)}
		}
		if err := parseTemplates(step); err != nil {
			return err
		}
	}
	return nil
}

func parseTemplates(step *Step) error {
	for _, tpl := range []struct {
		which string
		text  string
	}{
		{"system_template", step.Templates.SystemTemplate},
		{"instance_template", step.Templates.InstanceTemplate},
	} {
		if tpl.text == "" {
			continue
		}
		_, err := template.New(tpl.which).Funcs(sprig.FuncMap()).Parse(tpl.text)
		if err != nil {
			return &ConfigurationError{
				Reason: fmt.Sprintf("step %q has an invalid %s", step.Name, tpl.which),
				Err:    err,
			}
		}
	}
	return nil
}
