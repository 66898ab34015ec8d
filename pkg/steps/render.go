package steps

import (
	"bytes"
	"regexp"
	"text/template"

	"github.com/Masterminds/sprig"
)

// Rendered holds the step's prompts after context substitution.
type Rendered struct {
	System   string
	Instance string
}

var missingKeyRe = regexp.MustCompile(`no entry for key "([^"]+)"`)

// Render substitutes data into both templates. Every placeholder must be
// bound: a missing key yields a MissingContextKeyError naming it.
func (s *Step) Render(data map[string]interface{}) (*Rendered, error) {
	system, err := s.renderOne("system_template", s.Templates.SystemTemplate, data)
	if err != nil {
		return nil, err
	}
	instance, err := s.renderOne("instance_template", s.Templates.InstanceTemplate, data)
	if err != nil {
		return nil, err
	}
	return &Rendered{System: system, Instance: instance}, nil
}

func (s *Step) renderOne(which string, text string, data map[string]interface{}) (string, error) {
	if text == "" {
		return "", nil
	}

	tmpl, err := template.New(which).
		Funcs(sprig.FuncMap()).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return "", &ConfigurationError{Reason: "step " + s.Name + " has an invalid " + which, Err: err}
	}

	buf := &bytes.Buffer{}
	if err := tmpl.Execute(buf, data); err != nil {
		if m := missingKeyRe.FindStringSubmatch(err.Error()); m != nil {
			return "", &MissingContextKeyError{Step: s.Name, Key: m[1]}
		}
		return "", &ConfigurationError{Reason: "step " + s.Name + " failed to render " + which, Err: err}
	}
	return buf.String(), nil
}
