package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"
)

// WatermillZerologAdapter routes watermill's internal logging through
// zerolog. Watermill INFO is chatty, so it maps to debug.
type WatermillZerologAdapter struct {
	logger zerolog.Logger
}

func NewWatermillLogger(logger zerolog.Logger) *WatermillZerologAdapter {
	return &WatermillZerologAdapter{logger: logger}
}

var _ watermill.LoggerAdapter = &WatermillZerologAdapter{}

func (w *WatermillZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(map[string]interface{}(fields)).Err(err).Msg(msg)
}

func (w *WatermillZerologAdapter) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	l := w.logger.With().Fields(map[string]interface{}(fields)).Logger()
	return &WatermillZerologAdapter{logger: l}
}

const correlationIDMetadataKey = "correlation_id"

type runIDKeyType string

const runIDKey runIDKeyType = "run_id"

// ContextWithRunID tags ctx with the run id so published events correlate.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext returns the run id bound to ctx, or a generated
// placeholder marked with a gen_ prefix.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v
	}
	return "gen_" + shortuuid.New()
}

// CorrelationPublisherDecorator stamps outgoing messages with the run id
// from their context unless a correlation id is already set.
type CorrelationPublisherDecorator struct {
	message.Publisher
}

func (c CorrelationPublisherDecorator) Publish(topic string, messages ...*message.Message) error {
	for i := range messages {
		if messages[i].Metadata.Get(correlationIDMetadataKey) != "" {
			continue
		}
		messages[i].Metadata.Set(correlationIDMetadataKey, RunIDFromContext(messages[i].Context()))
	}
	return c.Publisher.Publish(topic, messages...)
}
