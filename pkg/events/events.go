// Package events carries the run/step/tool event stream. The agent runtime
// and the orchestrator publish typed events into sinks; the router fans them
// out to subscribers (CLI printer, logs, tests).
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeRunStarted   EventType = "run-started"
	EventTypeRunResumed   EventType = "run-resumed"
	EventTypeRunCompleted EventType = "run-completed"
	EventTypeRunFailed    EventType = "run-failed"

	EventTypeStepStarted   EventType = "step-started"
	EventTypeStepCompleted EventType = "step-completed"
	EventTypeStepFailed    EventType = "step-failed"

	EventTypeProviderExchange EventType = "provider-exchange"

	EventTypeToolCall   EventType = "tool-call"
	EventTypeToolResult EventType = "tool-result"

	EventTypeKnowledgeStored EventType = "knowledge-stored"
)

// Metadata identifies where in a run an event happened.
type Metadata struct {
	ID        uuid.UUID `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	StepIndex int       `json:"step_index,omitempty"`
	StepName  string    `json:"step_name,omitempty"`
	At        time.Time `json:"at"`
}

func (m Metadata) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("id", m.ID.String())
	if m.RunID != "" {
		ev.Str("run_id", m.RunID)
	}
	if m.StepName != "" {
		ev.Int("step_index", m.StepIndex).Str("step_name", m.StepName)
	}
}

type Event interface {
	Type() EventType
	Metadata() Metadata
	// Payload returns the raw JSON this event was decoded from, when it
	// came over the wire.
	Payload() []byte
}

// EventImpl is the common part of every event.
type EventImpl struct {
	Type_     EventType `json:"type"`
	Metadata_ Metadata  `json:"meta"`

	payload []byte
}

func (e *EventImpl) Type() EventType    { return e.Type_ }
func (e *EventImpl) Metadata() Metadata { return e.Metadata_ }
func (e *EventImpl) Payload() []byte    { return e.payload }

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_)).Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

func newMetadata(runID string, stepIndex int, stepName string) Metadata {
	return Metadata{
		ID:        uuid.New(),
		RunID:     runID,
		StepIndex: stepIndex,
		StepName:  stepName,
		At:        time.Now().UTC(),
	}
}

// EventRun marks a run lifecycle transition.
type EventRun struct {
	EventImpl
	APIPath string `json:"api_path,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func NewRunStartedEvent(runID string, apiPath string) *EventRun {
	return &EventRun{
		EventImpl: EventImpl{Type_: EventTypeRunStarted, Metadata_: newMetadata(runID, 0, "")},
		APIPath:   apiPath,
	}
}

func NewRunResumedEvent(runID string, stepIndex int) *EventRun {
	return &EventRun{
		EventImpl: EventImpl{Type_: EventTypeRunResumed, Metadata_: newMetadata(runID, stepIndex, "")},
	}
}

func NewRunCompletedEvent(runID string) *EventRun {
	return &EventRun{
		EventImpl: EventImpl{Type_: EventTypeRunCompleted, Metadata_: newMetadata(runID, 0, "")},
	}
}

func NewRunFailedEvent(runID string, stepIndex int, reason string) *EventRun {
	return &EventRun{
		EventImpl: EventImpl{Type_: EventTypeRunFailed, Metadata_: newMetadata(runID, stepIndex, "")},
		Reason:    reason,
	}
}

// EventStep marks a step lifecycle transition.
type EventStep struct {
	EventImpl
	RoundTrips int    `json:"round_trips,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func NewStepStartedEvent(runID string, stepIndex int, stepName string) *EventStep {
	return &EventStep{
		EventImpl: EventImpl{Type_: EventTypeStepStarted, Metadata_: newMetadata(runID, stepIndex, stepName)},
	}
}

func NewStepCompletedEvent(runID string, stepIndex int, stepName string, roundTrips int) *EventStep {
	return &EventStep{
		EventImpl:  EventImpl{Type_: EventTypeStepCompleted, Metadata_: newMetadata(runID, stepIndex, stepName)},
		RoundTrips: roundTrips,
	}
}

func NewStepFailedEvent(runID string, stepIndex int, stepName string, errorKind string, reason string) *EventStep {
	return &EventStep{
		EventImpl: EventImpl{Type_: EventTypeStepFailed, Metadata_: newMetadata(runID, stepIndex, stepName)},
		ErrorKind: errorKind,
		Reason:    reason,
	}
}

// EventProviderExchange reports one completed provider round trip.
type EventProviderExchange struct {
	EventImpl
	Exchange     int  `json:"exchange"`
	ToolCalls    int  `json:"tool_calls"`
	InputTokens  int  `json:"input_tokens,omitempty"`
	OutputTokens int  `json:"output_tokens,omitempty"`
	Estimated    bool `json:"estimated,omitempty"`
}

func NewProviderExchangeEvent(runID string, stepIndex int, stepName string, exchange int, toolCalls int, inputTokens int, outputTokens int, estimated bool) *EventProviderExchange {
	return &EventProviderExchange{
		EventImpl:    EventImpl{Type_: EventTypeProviderExchange, Metadata_: newMetadata(runID, stepIndex, stepName)},
		Exchange:     exchange,
		ToolCalls:    toolCalls,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Estimated:    estimated,
	}
}

// EventToolCall reports a tool invocation the model requested.
type EventToolCall struct {
	EventImpl
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func NewToolCallEvent(runID string, stepIndex int, stepName string, name string, arguments string) *EventToolCall {
	return &EventToolCall{
		EventImpl: EventImpl{Type_: EventTypeToolCall, Metadata_: newMetadata(runID, stepIndex, stepName)},
		Name:      name,
		Arguments: arguments,
	}
}

// EventToolResult reports the outcome of a tool invocation.
type EventToolResult struct {
	EventImpl
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Elapsed string `json:"elapsed,omitempty"`
}

func NewToolResultEvent(runID string, stepIndex int, stepName string, name string, success bool, result string, elapsed time.Duration) *EventToolResult {
	return &EventToolResult{
		EventImpl: EventImpl{Type_: EventTypeToolResult, Metadata_: newMetadata(runID, stepIndex, stepName)},
		Name:      name,
		Success:   success,
		Result:    result,
		Elapsed:   elapsed.String(),
	}
}

// EventKnowledgeStored reports a new knowledge entry written during a step.
type EventKnowledgeStored struct {
	EventImpl
	EntryID       string `json:"entry_id"`
	Kind          string `json:"kind"`
	SourceAPIPath string `json:"source_api_path"`
}

func NewKnowledgeStoredEvent(runID string, stepIndex int, stepName string, entryID string, kind string, sourceAPIPath string) *EventKnowledgeStored {
	return &EventKnowledgeStored{
		EventImpl:     EventImpl{Type_: EventTypeKnowledgeStored, Metadata_: newMetadata(runID, stepIndex, stepName)},
		EntryID:       entryID,
		Kind:          kind,
		SourceAPIPath: sourceAPIPath,
	}
}

// NewEventFromJson decodes a serialized event back into its typed form.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, err
	}

	decode := func(target interface {
		Event
		setPayload([]byte)
	}) (Event, error) {
		if err := json.Unmarshal(b, target); err != nil {
			return nil, err
		}
		target.setPayload(b)
		return target, nil
	}

	switch hdr.Type {
	case EventTypeRunStarted, EventTypeRunResumed, EventTypeRunCompleted, EventTypeRunFailed:
		return decode(&EventRun{})
	case EventTypeStepStarted, EventTypeStepCompleted, EventTypeStepFailed:
		return decode(&EventStep{})
	case EventTypeProviderExchange:
		return decode(&EventProviderExchange{})
	case EventTypeToolCall:
		return decode(&EventToolCall{})
	case EventTypeToolResult:
		return decode(&EventToolResult{})
	case EventTypeKnowledgeStored:
		return decode(&EventKnowledgeStored{})
	default:
		return nil, fmt.Errorf("unknown event type %q", hdr.Type)
	}
}

func (e *EventImpl) setPayload(b []byte) { e.payload = b }
