package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSONRoundTrip(t *testing.T) {
	t.Parallel()

	call := NewToolCallEvent("run-1", 1, "verify-endpoint", "http_verify", `{"method":"GET","url":"/users"}`)
	payload, err := json.Marshal(call)
	require.NoError(t, err)

	decoded, err := NewEventFromJson(payload)
	require.NoError(t, err)
	typed, ok := decoded.(*EventToolCall)
	require.True(t, ok)
	assert.Equal(t, EventTypeToolCall, typed.Type())
	assert.Equal(t, "http_verify", typed.Name)
	assert.Equal(t, "run-1", typed.Metadata().RunID)
	assert.Equal(t, "verify-endpoint", typed.Metadata().StepName)
	assert.Equal(t, payload, typed.Payload())

	result := NewToolResultEvent("run-1", 1, "verify-endpoint", "http_verify", true, `{"status_code":200}`, 120*time.Millisecond)
	payload, err = json.Marshal(result)
	require.NoError(t, err)
	decoded, err = NewEventFromJson(payload)
	require.NoError(t, err)
	typedResult, ok := decoded.(*EventToolResult)
	require.True(t, ok)
	assert.True(t, typedResult.Success)
	assert.Equal(t, "120ms", typedResult.Elapsed)

	_, err = NewEventFromJson([]byte(`{"type":"mystery"}`))
	require.Error(t, err)
}

func TestRunAndStepEventConstructors(t *testing.T) {
	t.Parallel()

	failed := NewRunFailedEvent("run-9", 2, "round trip ceiling exceeded")
	assert.Equal(t, EventTypeRunFailed, failed.Type())
	assert.Equal(t, 2, failed.Metadata().StepIndex)
	assert.Equal(t, "round trip ceiling exceeded", failed.Reason)

	step := NewStepCompletedEvent("run-9", 1, "verify", 3)
	assert.Equal(t, 3, step.RoundTrips)
	assert.False(t, step.Metadata().At.IsZero())
	assert.NotEqual(t, failed.Metadata().ID, step.Metadata().ID)
}

func TestCollectorSink(t *testing.T) {
	t.Parallel()
	sink := NewCollectorSink()
	PublishToAll([]EventSink{sink, NullSink{}},
		NewStepStartedEvent("run-1", 1, "verify"))
	PublishToAll([]EventSink{sink},
		NewToolCallEvent("run-1", 1, "verify", "store_memory", `{}`))

	require.Len(t, sink.Events(), 2)
	assert.Len(t, sink.OfType(EventTypeToolCall), 1)
	assert.Empty(t, sink.OfType(EventTypeRunFailed))
}

func TestRouterDeliversPublishedEvents(t *testing.T) {
	t.Parallel()
	router, err := NewEventRouter()
	require.NoError(t, err)

	var mu sync.Mutex
	var received []Event
	router.AddHandler("collect", "run-events", func(msg *message.Message) error {
		defer msg.Ack()
		ev, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- router.Run(ctx) }()
	<-router.Running()

	sink := NewWatermillSink(router.Publisher, "run-events")
	require.NoError(t, sink.PublishEvent(NewRunStartedEvent("run-1", "/users")))
	require.NoError(t, sink.PublishEvent(NewRunCompletedEvent("run-1")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, EventTypeRunStarted, received[0].Type())
	assert.Equal(t, EventTypeRunCompleted, received[1].Type())
	mu.Unlock()

	cancel()
	require.NoError(t, router.Close())
	<-done
}

func TestRunIDContext(t *testing.T) {
	t.Parallel()
	ctx := ContextWithRunID(context.Background(), "run-42")
	assert.Equal(t, "run-42", RunIDFromContext(ctx))

	generated := RunIDFromContext(context.Background())
	assert.Contains(t, generated, "gen_")
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (p *capturePublisher) Publish(_ string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, messages...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func TestCorrelationDecoratorStampsRunID(t *testing.T) {
	t.Parallel()

	capture := &capturePublisher{}
	sink := NewWatermillSink(CorrelationPublisherDecorator{Publisher: capture}, "run-events")
	require.NoError(t, sink.PublishEvent(NewStepStartedEvent("run-7", 1, "verify")))

	require.Len(t, capture.msgs, 1)
	assert.Equal(t, "run-7", capture.msgs[0].Metadata.Get("correlation_id"))

	preset := message.NewMessage("id-1", []byte(`{}`))
	preset.Metadata.Set("correlation_id", "keep-me")
	require.NoError(t, CorrelationPublisherDecorator{Publisher: capture}.Publish("run-events", preset))
	assert.Equal(t, "keep-me", capture.msgs[1].Metadata.Get("correlation_id"))
}
