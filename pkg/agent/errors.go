package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apiprobe/apiprobe/pkg/knowledge"
	"github.com/apiprobe/apiprobe/pkg/steps"
	"github.com/apiprobe/apiprobe/pkg/tools"
)

// IncompleteStepError is returned when a complete_step payload does not
// carry every context key the step declared it would produce. Step-fatal:
// accepting a partial payload would let later steps start with holes in
// their context.
type IncompleteStepError struct {
	Step    string
	Missing []string
}

func (e *IncompleteStepError) Error() string {
	return fmt.Sprintf("step %s completion payload is missing produced context keys: %s",
		e.Step, strings.Join(e.Missing, ", "))
}

// RoundTripLimitError is returned when a step exhausts its provider
// exchanges without a completion signal. It guards against a provider that
// never calls complete_step.
type RoundTripLimitError struct {
	Step  string
	Limit int
}

func (e *RoundTripLimitError) Error() string {
	return fmt.Sprintf("step %s hit the round trip limit (%d) without completing", e.Step, e.Limit)
}

// ProviderExchangeError wraps a transport-level failure talking to the
// completion provider, recording which exchange broke.
type ProviderExchangeError struct {
	Step     string
	Exchange int
	Err      error
}

func (e *ProviderExchangeError) Error() string {
	return fmt.Sprintf("step %s provider exchange %d failed: %v", e.Step, e.Exchange, e.Err)
}

func (e *ProviderExchangeError) Unwrap() error {
	return e.Err
}

// ErrorKind names the failure class of a step error for run diagnostics.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}

	var (
		missingKey   *steps.MissingContextKeyError
		configErr    *steps.ConfigurationError
		unauthorized *tools.UnauthorizedToolError
		unknown      *tools.UnknownToolError
		incomplete   *IncompleteStepError
		limit        *RoundTripLimitError
		providerErr  *ProviderExchangeError
		storeErr     *knowledge.StoreError
	)
	switch {
	case errors.As(err, &missingKey):
		return "missing_context_key"
	case errors.As(err, &configErr):
		return "configuration"
	case errors.As(err, &unauthorized):
		return "unauthorized_tool"
	case errors.As(err, &unknown):
		return "unknown_tool"
	case errors.As(err, &incomplete):
		return "incomplete_step"
	case errors.As(err, &limit):
		return "round_trip_limit"
	case errors.As(err, &providerErr):
		return "provider"
	case errors.As(err, &storeErr):
		return "knowledge_store"
	default:
		return "runtime"
	}
}
