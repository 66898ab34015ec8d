package tools

import "fmt"

// UnknownToolError is returned when a tool name has no registration at
// invocation time. It is fatal for the step that requested the tool: the
// prompt and the registered tool set disagree, which retrying cannot fix.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// UnauthorizedToolError is returned when a step requests a tool outside its
// declared tool set. Registration alone is not enough; each step may only
// use the tools it lists.
type UnauthorizedToolError struct {
	Name string
	Step string
}

func (e *UnauthorizedToolError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("tool not authorized: %s", e.Name)
	}
	return fmt.Sprintf("tool not authorized for step %s: %s", e.Step, e.Name)
}

// ToolExecutionError wraps a failure inside a capability. It is surfaced to
// the provider as invocation-result data so the provider can adjust and
// retry; the runtime never raises it.
type ToolExecutionError struct {
	Name string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Name, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}
