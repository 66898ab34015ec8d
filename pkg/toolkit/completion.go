package toolkit

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/apiprobe/apiprobe/pkg/tools"
)

// CompleteStepAck is echoed back to the model once a completion call is
// accepted. The runtime intercepts the call itself; the handler only runs
// when a step is allowed to finish.
type CompleteStepAck struct {
	Acknowledged bool `json:"acknowledged"`
}

// NewCompleteStep builds the step-completion signal. The payload schema is
// deliberately open: each step declares which context keys it produces and
// the runtime checks the payload against that declaration, so the tool
// cannot know the shape up front.
func NewCompleteStep() *tools.Definition {
	return &tools.Definition{
		Name: CompleteStepToolName,
		Description: "Declare the current step finished. Pass every context key the step " +
			"is required to produce, with its final value, as a field of the payload object.",
		Parameters: &jsonschema.Schema{Type: "object"},
		Handler: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			return &CompleteStepAck{Acknowledged: true}, nil
		},
	}
}
