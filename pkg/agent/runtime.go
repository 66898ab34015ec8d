// Package agent drives a single step of a run: render the step's prompts
// from the run context, retrieve relevant knowledge, then loop with the
// completion provider — dispatching requested tool calls in order — until
// the provider signals completion via complete_step or the round trip
// ceiling is hit.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/apiprobe/apiprobe/pkg/events"
	"github.com/apiprobe/apiprobe/pkg/knowledge"
	"github.com/apiprobe/apiprobe/pkg/provider"
	"github.com/apiprobe/apiprobe/pkg/steps"
	"github.com/apiprobe/apiprobe/pkg/toolkit"
	"github.com/apiprobe/apiprobe/pkg/tools"
)

// State is a phase of the per-step machine. Transitions are logged; the
// terminal states are StateCompleted and StateFailed.
type State string

const (
	StateRendering        State = "rendering"
	StateAwaitingProvider State = "awaiting_provider"
	StateDispatchingTools State = "dispatching_tools"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

const (
	// DefaultMaxRoundTrips bounds provider exchanges per step.
	DefaultMaxRoundTrips = 10
	// DefaultRetrievalK is how many knowledge entries are injected before
	// the first exchange.
	DefaultRetrievalK = 5
)

// StepOutcome is what a finished step hands back to the orchestrator. On
// failure it still carries the transcript, round trip count, and last tool
// invocation so the run record can say what was happening when the step
// died.
type StepOutcome struct {
	Produced   map[string]interface{}
	Transcript []provider.Message
	RoundTrips int
	LastTool   *tools.InvocationResult
}

// Runtime executes steps. It is stateless across steps; one Runtime is
// shared by all steps of a run (and may be shared by concurrent runs).
type Runtime struct {
	provider      provider.CompletionProvider
	registry      tools.Registry
	executor      *tools.Executor
	store         knowledge.Store
	sinks         []events.EventSink
	maxRoundTrips int
	retrievalK    int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithMaxRoundTrips sets the provider exchange ceiling per step.
func WithMaxRoundTrips(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxRoundTrips = n
		}
	}
}

// WithKnowledgeStore enables pre-exchange knowledge retrieval.
func WithKnowledgeStore(store knowledge.Store) Option {
	return func(r *Runtime) {
		r.store = store
	}
}

// WithRetrievalK sets how many entries retrieval injects. Zero disables
// retrieval while keeping the store available to tools.
func WithRetrievalK(k int) Option {
	return func(r *Runtime) {
		r.retrievalK = k
	}
}

// WithEventSinks attaches sinks that receive step, provider, and tool
// events.
func WithEventSinks(sinks ...events.EventSink) Option {
	return func(r *Runtime) {
		r.sinks = append(r.sinks, sinks...)
	}
}

// WithExecutor replaces the default tool executor, e.g. to add a per-call
// timeout.
func WithExecutor(executor *tools.Executor) Option {
	return func(r *Runtime) {
		if executor != nil {
			r.executor = executor
		}
	}
}

// NewRuntime creates a Runtime around a provider and a tool registry.
func NewRuntime(completionProvider provider.CompletionProvider, registry tools.Registry, opts ...Option) *Runtime {
	r := &Runtime{
		provider:      completionProvider,
		registry:      registry,
		executor:      tools.NewExecutor(),
		maxRoundTrips: DefaultMaxRoundTrips,
		retrievalK:    DefaultRetrievalK,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// stepRun is the mutable state of one RunStep call.
type stepRun struct {
	runID   string
	step    *steps.Step
	state   State
	outcome *StepOutcome
	logger  zerolog.Logger
}

func (s *stepRun) transition(to State) {
	s.logger.Debug().Str("from", string(s.state)).Str("to", string(to)).Msg("state transition")
	s.state = to
}

func (s *stepRun) append(msg provider.Message) {
	s.outcome.Transcript = append(s.outcome.Transcript, msg)
}

func (s *stepRun) appendToolResult(call provider.ToolCall, payload json.RawMessage) {
	s.append(provider.Message{
		Role:       provider.RoleTool,
		Content:    string(payload),
		ToolCallID: call.ID,
		Name:       call.Name,
	})
}

// completionSignal carries the produced context out of the dispatch loop
// when complete_step was called with a valid payload.
type completionSignal struct {
	produced map[string]interface{}
}

// RunStep executes one step to completion or failure. The run context is
// read-only here; produced values come back in the outcome for the caller
// to merge.
func (r *Runtime) RunStep(ctx context.Context, runID string, step *steps.Step, runContext map[string]interface{}) (*StepOutcome, error) {
	s := &stepRun{
		runID:   runID,
		step:    step,
		state:   StateRendering,
		outcome: &StepOutcome{},
		logger: log.With().
			Str("run_id", runID).
			Int("step", step.Index).
			Str("step_name", step.Name).
			Logger(),
	}
	s.logger.Info().Msg("step started")
	r.publish(events.NewStepStartedEvent(runID, step.Index, step.Name))

	rendered, err := step.Render(runContext)
	if err != nil {
		return r.failStep(s, err)
	}

	block, err := r.retrieveKnowledge(ctx, rendered.Instance)
	if err != nil {
		return r.failStep(s, err)
	}
	if block != "" {
		s.append(provider.Message{Role: provider.RoleUser, Content: block})
	}

	advertised, err := advertisedTools(r.registry, step)
	if err != nil {
		return r.failStep(s, err)
	}

	for exchange := 1; exchange <= r.maxRoundTrips; exchange++ {
		if err := ctx.Err(); err != nil {
			return r.failStep(s, err)
		}

		s.transition(StateAwaitingProvider)
		resp, err := r.provider.Complete(ctx, &provider.Request{
			SystemMessage:   rendered.System,
			InstanceMessage: rendered.Instance,
			Transcript:      s.outcome.Transcript,
			Tools:           advertised,
		})
		if err != nil {
			return r.failStep(s, &ProviderExchangeError{Step: step.Name, Exchange: exchange, Err: err})
		}
		s.outcome.RoundTrips = exchange
		r.publish(events.NewProviderExchangeEvent(runID, step.Index, step.Name,
			exchange, len(resp.ToolCalls), resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.Estimated))

		if len(resp.ToolCalls) == 0 {
			// Content without calls still consumes a round trip.
			if resp.Content != "" {
				s.append(provider.Message{Role: provider.RoleAssistant, Content: resp.Content})
			}
			s.logger.Debug().Int("exchange", exchange).Msg("provider requested no tools")
			continue
		}

		s.transition(StateDispatchingTools)
		s.append(provider.Message{Role: provider.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		done, err := r.dispatchTools(ctx, s, resp.ToolCalls)
		if err != nil {
			return r.failStep(s, err)
		}
		if done != nil {
			s.outcome.Produced = done.produced
			s.transition(StateCompleted)
			s.logger.Info().Int("round_trips", s.outcome.RoundTrips).Msg("step completed")
			r.publish(events.NewStepCompletedEvent(runID, step.Index, step.Name, s.outcome.RoundTrips))
			return s.outcome, nil
		}
	}

	return r.failStep(s, &RoundTripLimitError{Step: step.Name, Limit: r.maxRoundTrips})
}

// dispatchTools executes requested calls in the order the provider declared
// them. A complete_step call ends the loop; calls after it in the same
// batch are not executed.
func (r *Runtime) dispatchTools(ctx context.Context, s *stepRun, calls []provider.ToolCall) (*completionSignal, error) {
	for _, call := range calls {
		if !s.step.HasTool(call.Name) {
			return nil, &tools.UnauthorizedToolError{Name: call.Name, Step: s.step.Name}
		}
		r.publish(events.NewToolCallEvent(s.runID, s.step.Index, s.step.Name, call.Name, string(call.Arguments)))

		if call.Name == toolkit.CompleteStepToolName {
			produced, err := completionPayload(s.step, call.Arguments)
			if err != nil {
				return nil, err
			}
			ack, err := json.Marshal(toolkit.CompleteStepAck{Acknowledged: true})
			if err != nil {
				return nil, errors.Wrap(err, "failed to encode completion ack")
			}
			s.appendToolResult(call, ack)
			return &completionSignal{produced: produced}, nil
		}

		result, err := r.executor.Invoke(ctx, r.registry, tools.InvocationRequest{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
		if err != nil {
			return nil, err
		}
		s.outcome.LastTool = result
		r.publish(events.NewToolResultEvent(s.runID, s.step.Index, s.step.Name,
			call.Name, result.Success, string(result.PayloadJSON()), result.Elapsed))
		s.appendToolResult(call, result.PayloadJSON())

		if stored, ok := result.Payload.(*toolkit.StoreMemoryResult); ok && result.Success {
			r.publish(events.NewKnowledgeStoredEvent(s.runID, s.step.Index, s.step.Name,
				stored.ID, stored.Kind, stored.SourceAPIPath))
		}
	}
	return nil, nil
}

// completionPayload validates a complete_step payload against the step's
// produced keys and returns the declared key-values.
func completionPayload(step *steps.Step, raw json.RawMessage) (map[string]interface{}, error) {
	payload := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, errors.Wrapf(err, "step %s completion payload is not a JSON object", step.Name)
		}
	}

	var missing []string
	for _, key := range step.ProducedContextKeys {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &IncompleteStepError{Step: step.Name, Missing: missing}
	}

	produced := make(map[string]interface{}, len(step.ProducedContextKeys))
	for _, key := range step.ProducedContextKeys {
		produced[key] = payload[key]
	}
	return produced, nil
}

// retrieveKnowledge searches the store for entries relevant to the rendered
// instance message. An empty store is skipped; any other store failure is
// step-fatal.
func (r *Runtime) retrieveKnowledge(ctx context.Context, query string) (string, error) {
	if r.store == nil || r.retrievalK <= 0 {
		return "", nil
	}
	scored, err := r.store.Search(ctx, query, r.retrievalK, nil)
	if err != nil {
		if errors.Is(err, knowledge.ErrEmptyIndex) {
			return "", nil
		}
		return "", errors.Wrap(err, "knowledge retrieval failed")
	}
	if len(scored) == 0 {
		return "", nil
	}
	return formatKnowledgeBlock(scored), nil
}

func formatKnowledgeBlock(scored []knowledge.ScoredEntry) string {
	b := &strings.Builder{}
	b.WriteString("Relevant knowledge from memory:\n")
	for i, s := range scored {
		fmt.Fprintf(b, "\n%d. [%s] (%s) %s", i+1, s.Entry.Kind, s.Entry.SourceAPIPath, s.Entry.Content)
	}
	return b.String()
}

// advertisedTools resolves the step's declared tool names to definitions.
// A declared name with no registration is an UnknownToolError: the plan and
// the registry disagree.
func advertisedTools(registry tools.Registry, step *steps.Step) ([]tools.Definition, error) {
	advertised := make([]tools.Definition, 0, len(step.ToolNames))
	for _, name := range step.ToolNames {
		def, err := registry.Get(name)
		if err != nil {
			return nil, err
		}
		advertised = append(advertised, *def)
	}
	return advertised, nil
}

func (r *Runtime) failStep(s *stepRun, err error) (*StepOutcome, error) {
	s.transition(StateFailed)
	kind := ErrorKind(err)
	s.logger.Error().Err(err).Str("error_kind", kind).Int("round_trips", s.outcome.RoundTrips).Msg("step failed")
	r.publish(events.NewStepFailedEvent(s.runID, s.step.Index, s.step.Name, kind, err.Error()))
	return s.outcome, err
}

func (r *Runtime) publish(event events.Event) {
	events.PublishToAll(r.sinks, event)
}
