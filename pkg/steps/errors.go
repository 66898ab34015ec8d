package steps

import (
	"errors"
	"fmt"
)

// ConfigurationError marks a fatal problem with a step file, a template, or
// the bound context. Configuration errors are never retried; the run fails
// immediately.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// MissingContextKeyError reports a template placeholder with no bound value
// in the run context. It is a configuration error: fatal for the step.
type MissingContextKeyError struct {
	Step string
	Key  string
}

func (e *MissingContextKeyError) Error() string {
	return fmt.Sprintf("step %q references context key %q which is not bound", e.Step, e.Key)
}

// IsConfigurationError reports whether err is fatal configuration trouble,
// missing context keys included.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	var mk *MissingContextKeyError
	return errors.As(err, &ce) || errors.As(err, &mk)
}
