// Package orchestrator sequences the steps of a run. It owns the run
// context, hands each step a filtered view of it, merges produced values
// back, and persists run state after every transition so a run can be
// resumed from its last consistent snapshot.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/apiprobe/apiprobe/pkg/agent"
	"github.com/apiprobe/apiprobe/pkg/events"
	"github.com/apiprobe/apiprobe/pkg/runstore"
	"github.com/apiprobe/apiprobe/pkg/steps"
)

// Context keys the orchestrator binds before step 1.
const (
	ContextKeyAPIPath = "api_path"
	ContextKeyBaseURL = "base_url"
)

// StepRunner executes one step against a context view. *agent.Runtime is
// the production implementation.
type StepRunner interface {
	RunStep(ctx context.Context, runID string, step *steps.Step, runContext map[string]interface{}) (*agent.StepOutcome, error)
}

// Orchestrator drives runs start to finish.
type Orchestrator struct {
	runner StepRunner
	store  runstore.Store
	sinks  []events.EventSink
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventSinks attaches sinks that receive run lifecycle events.
func WithEventSinks(sinks ...events.EventSink) Option {
	return func(o *Orchestrator) {
		o.sinks = append(o.sinks, sinks...)
	}
}

// New creates an Orchestrator around a step runner and a run store.
func New(runner StepRunner, store runstore.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{runner: runner, store: store}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunParams identifies a new run: the API path under verification, the base
// URL of the test environment, and any extra initial context bindings.
type RunParams struct {
	RunID   string
	APIPath string
	BaseURL string
	Extra   map[string]interface{}
}

// Start creates a new run and drives it until it completes, fails, or the
// context is canceled. The returned state is the last persisted snapshot.
func (o *Orchestrator) Start(ctx context.Context, plan *steps.Plan, params RunParams) (*runstore.RunState, error) {
	if plan == nil || plan.Len() == 0 {
		return nil, errors.New("run needs a plan with at least one step")
	}
	if params.APIPath == "" {
		return nil, errors.New("run needs an api path")
	}

	runID := params.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	runContext := make(map[string]interface{}, len(params.Extra)+2)
	for k, v := range params.Extra {
		runContext[k] = v
	}
	runContext[ContextKeyAPIPath] = params.APIPath
	runContext[ContextKeyBaseURL] = params.BaseURL

	state := &runstore.RunState{
		RunID:            runID,
		APIPath:          params.APIPath,
		BaseURL:          params.BaseURL,
		CurrentStepIndex: 0,
		Status:           runstore.StatusPending,
		Context:          runContext,
	}
	if err := o.store.Save(ctx, state); err != nil {
		return nil, errors.Wrap(err, "failed to persist new run")
	}

	log.Info().Str("run_id", runID).Str("api_path", params.APIPath).Msg("run started")
	o.publish(events.NewRunStartedEvent(runID, params.APIPath))
	return o.drive(ctx, plan, state)
}

// Resume loads a run by id and continues at its current step. A completed
// run comes back unchanged; resuming a failed run clears the failure and
// retries the step it died on — an explicit operator decision, distinct
// from the automatic retry the orchestrator never does.
func (o *Orchestrator) Resume(ctx context.Context, plan *steps.Plan, runID string) (*runstore.RunState, error) {
	if plan == nil || plan.Len() == 0 {
		return nil, errors.New("run needs a plan with at least one step")
	}

	state, err := o.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if state.Status == runstore.StatusCompleted {
		return state, nil
	}
	state.Failure = nil

	log.Info().Str("run_id", runID).Int("step", state.CurrentStepIndex).Msg("run resumed")
	o.publish(events.NewRunResumedEvent(runID, state.CurrentStepIndex))
	return o.drive(ctx, plan, state)
}

func (o *Orchestrator) drive(ctx context.Context, plan *steps.Plan, state *runstore.RunState) (*runstore.RunState, error) {
	logger := log.With().Str("run_id", state.RunID).Str("api_path", state.APIPath).Logger()

	if state.Status != runstore.StatusRunning {
		state.Status = runstore.StatusRunning
		if err := o.store.Save(ctx, state); err != nil {
			return state, errors.Wrap(err, "failed to persist run state")
		}
	}

	declared := declaredProduces(plan)

	for state.CurrentStepIndex < plan.Len() {
		// Cooperative cancellation between steps: the last persisted state
		// stays resumable.
		if err := ctx.Err(); err != nil {
			logger.Warn().Int("step", state.CurrentStepIndex).Msg("run canceled between steps")
			return state, err
		}

		step, _ := plan.StepAt(state.CurrentStepIndex)

		if step.IsTerminal() {
			logger.Info().Str("step_name", step.Name).Msg("terminal step reached")
			return o.complete(ctx, state)
		}

		if missing := missingRequiredKeys(step, state.Context); len(missing) > 0 {
			err := &steps.ConfigurationError{
				Reason: fmt.Sprintf("step %q requires context keys not yet bound: %s",
					step.Name, strings.Join(missing, ", ")),
			}
			return o.fail(ctx, state, step, nil, err)
		}

		view := contextView(step, declared, state.Context)
		outcome, err := o.runner.RunStep(ctx, state.RunID, step, view)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Warn().Str("step_name", step.Name).Msg("run canceled mid-step")
				return state, err
			}
			return o.fail(ctx, state, step, outcome, err)
		}

		for k, v := range outcome.Produced {
			state.Context[k] = v
		}
		state.CurrentStepIndex++
		if err := o.store.Save(ctx, state); err != nil {
			return state, errors.Wrap(err, "failed to persist run state")
		}
		logger.Debug().Int("next_step", state.CurrentStepIndex).Msg("step merged and persisted")
	}

	// The plan ran out without a terminal step; nothing left to do either way.
	return o.complete(ctx, state)
}

func (o *Orchestrator) complete(ctx context.Context, state *runstore.RunState) (*runstore.RunState, error) {
	state.Status = runstore.StatusCompleted
	if err := o.store.Save(ctx, state); err != nil {
		return state, errors.Wrap(err, "failed to persist completed run")
	}
	log.Info().Str("run_id", state.RunID).Msg("run completed")
	o.publish(events.NewRunCompletedEvent(state.RunID))
	return state, nil
}

func (o *Orchestrator) fail(ctx context.Context, state *runstore.RunState, step *steps.Step, outcome *agent.StepOutcome, cause error) (*runstore.RunState, error) {
	state.Status = runstore.StatusFailed
	failure := &runstore.Failure{
		StepIndex: step.Index,
		ErrorKind: agent.ErrorKind(cause),
		Reason:    cause.Error(),
	}
	if outcome != nil {
		failure.LastTool = outcome.LastTool
	}
	state.Failure = failure

	if err := o.store.Save(ctx, state); err != nil {
		// The original failure matters more than the bookkeeping one.
		log.Error().Err(err).Str("run_id", state.RunID).Msg("failed to persist failed run state")
	}
	log.Error().Err(cause).Str("run_id", state.RunID).Str("step_name", step.Name).
		Str("error_kind", failure.ErrorKind).Msg("run failed")
	o.publish(events.NewRunFailedEvent(state.RunID, step.Index, cause.Error()))
	return state, cause
}

func (o *Orchestrator) publish(event events.Event) {
	events.PublishToAll(o.sinks, event)
}

// declaredProduces collects every context key any step declares as
// produced. Keys outside this set are free-form bindings visible to all
// steps.
func declaredProduces(plan *steps.Plan) map[string]struct{} {
	declared := make(map[string]struct{})
	for i := range plan.Steps {
		for _, key := range plan.Steps[i].ProducedContextKeys {
			declared[key] = struct{}{}
		}
	}
	return declared
}

func missingRequiredKeys(step *steps.Step, runContext map[string]interface{}) []string {
	var missing []string
	for _, key := range step.RequiredContextKeys {
		if _, ok := runContext[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// contextView builds the deep-copied context a step sees: its required keys
// plus every free-form binding. Values produced by other steps that this
// step does not require stay out of view, so steps declare what they
// consume.
func contextView(step *steps.Step, declared map[string]struct{}, runContext map[string]interface{}) map[string]interface{} {
	required := make(map[string]struct{}, len(step.RequiredContextKeys))
	for _, key := range step.RequiredContextKeys {
		required[key] = struct{}{}
	}

	view := make(map[string]interface{}, len(runContext))
	for key, value := range runContext {
		_, isRequired := required[key]
		_, isDeclared := declared[key]
		if isRequired || !isDeclared {
			view[key] = clone.Clone(value)
		}
	}
	return view
}
