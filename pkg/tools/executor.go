package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Executor runs tool invocations against a registry: argument validation,
// timeout, panic containment. Capability failures come back as
// InvocationResult data; only an unknown tool name (or a canceled context)
// is returned as an error, because that is fatal for the requesting step.
type Executor struct {
	timeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout bounds a single invocation. Zero means no bound beyond the
// caller's context.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invoke executes one tool call synchronously and returns its result.
func (e *Executor) Invoke(ctx context.Context, registry Registry, req InvocationRequest) (*InvocationResult, error) {
	start := time.Now()

	def, err := registry.Get(req.Name)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := req.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	logger := log.With().Str("tool", req.Name).Logger()
	logger.Debug().RawJSON("arguments", args).Msg("invoking tool")

	result := &InvocationResult{ID: req.ID, Name: req.Name}

	if msg, ok := e.validateArguments(def, args); !ok {
		result.Error = msg
		result.Elapsed = time.Since(start)
		logger.Debug().Str("error", msg).Msg("tool arguments rejected")
		return result, nil
	}

	execCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	payload, err := e.run(execCtx, def, args)
	result.Elapsed = time.Since(start)
	if err != nil {
		execErr := &ToolExecutionError{Name: req.Name, Err: err}
		result.Error = execErr.Error()
		logger.Debug().Dur("elapsed", result.Elapsed).Err(err).Msg("tool failed")
		return result, nil
	}

	result.Success = true
	result.Payload = payload
	logger.Debug().Dur("elapsed", result.Elapsed).Msg("tool succeeded")
	return result, nil
}

// validateArguments checks args against the definition's parameter schema.
func (e *Executor) validateArguments(def *Definition, args json.RawMessage) (string, bool) {
	if def.Parameters == nil {
		return "", true
	}
	schemaJSON, err := json.Marshal(def.Parameters)
	if err != nil {
		// A schema that cannot marshal should not block the tool.
		return "", true
	}
	res, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(args),
	)
	if err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), false
	}
	if !res.Valid() {
		msg := "invalid arguments"
		for _, desc := range res.Errors() {
			msg = fmt.Sprintf("%s; %s", msg, desc.String())
		}
		return msg, false
	}
	return "", true
}

func (e *Executor) run(ctx context.Context, def *Definition, args json.RawMessage) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return def.Handler(ctx, args)
}
