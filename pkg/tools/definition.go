package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
)

// Definition describes a named capability a step may invoke: an HTTP
// verification call, a knowledge write, the completion signal, and so on.
// Parameters is the JSON schema advertised to the completion provider and
// enforced before the handler runs.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
	Handler     Handler            `json:"-"`
	Tags        []string           `json:"tags,omitempty"`
}

// Handler executes the capability. Arguments arrive as the raw JSON emitted
// by the provider; the returned payload must be JSON-serializable. Handlers
// are expected to honor ctx so invocation timeouts work.
type Handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// InvocationRequest is one tool call requested by the provider mid-step.
// It lives only inside a single step's execution loop.
type InvocationRequest struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// InvocationResult is fed back into the step's transcript. A failed
// invocation sets Success=false and Error; it is data for the provider to
// react to, not a runtime failure.
type InvocationResult struct {
	ID      string        `json:"id,omitempty"`
	Name    string        `json:"name"`
	Success bool          `json:"success"`
	Payload interface{}   `json:"payload,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// PayloadJSON renders the result the way the provider sees it: the payload
// on success, an error object otherwise.
func (r *InvocationResult) PayloadJSON() json.RawMessage {
	var v interface{}
	if r.Success {
		v = r.Payload
	} else {
		v = map[string]interface{}{
			"success": false,
			"error":   r.Error,
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return b
}
