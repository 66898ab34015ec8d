package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventSink is a destination for run events.
type EventSink interface {
	PublishEvent(event Event) error
}

// WatermillSink serializes events to JSON and publishes them on a topic.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{publisher: publisher, topic: topic}
}

var _ EventSink = (*WatermillSink)(nil)

func (w *WatermillSink) PublishEvent(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event")
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if runID := event.Metadata().RunID; runID != "" {
		msg.SetContext(ContextWithRunID(context.Background(), runID))
	}
	if err := w.publisher.Publish(w.topic, msg); err != nil {
		log.Error().Err(err).Str("topic", w.topic).Msg("failed to publish event")
		return err
	}
	return nil
}

// LogSink writes events straight into a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

var _ EventSink = (*LogSink)(nil)

func (l *LogSink) PublishEvent(event Event) error {
	ev := l.logger.Info().Str("event", string(event.Type()))
	meta := event.Metadata()
	if meta.RunID != "" {
		ev = ev.Str("run_id", meta.RunID)
	}
	if meta.StepName != "" {
		ev = ev.Int("step_index", meta.StepIndex).Str("step_name", meta.StepName)
	}
	switch e := event.(type) {
	case *EventToolCall:
		ev = ev.Str("tool", e.Name)
	case *EventToolResult:
		ev = ev.Str("tool", e.Name).Bool("success", e.Success)
	case *EventStep:
		if e.ErrorKind != "" {
			ev = ev.Str("error_kind", e.ErrorKind)
		}
	case *EventRun:
		if e.Reason != "" {
			ev = ev.Str("reason", e.Reason)
		}
	}
	ev.Msg("run event")
	return nil
}

// NullSink drops everything.
type NullSink struct{}

var _ EventSink = (*NullSink)(nil)

func (NullSink) PublishEvent(Event) error { return nil }

// CollectorSink buffers events in memory, mostly for tests and the CLI's
// post-run summaries.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

func NewCollectorSink() *CollectorSink {
	return &CollectorSink{}
}

var _ EventSink = (*CollectorSink)(nil)

func (c *CollectorSink) PublishEvent(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

// Events returns a snapshot of everything collected so far.
func (c *CollectorSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType filters the collected events by type.
func (c *CollectorSink) OfType(t EventType) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

// PublishToAll sends the event to every sink, logging failures instead of
// aborting the step that emitted it.
func PublishToAll(sinks []EventSink, event Event) {
	for _, sink := range sinks {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event", string(event.Type())).Msg("event sink failed")
		}
	}
}
