package events

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// LogPublisher writes events to the log. It is used when no topic is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a publisher backed by logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event and returns a locally generated id.
func (p *LogPublisher) Publish(_ context.Context, event Event) (string, error) {
	id := ulid.Make().String()
	p.logger.Info("checkout event",
		zap.String("event_id", id),
		zap.String("kind", string(event.Kind)),
		zap.String("session_id", event.SessionID),
		zap.String("payment_method_id", event.PaymentMethodID),
		zap.String("processor_id", event.ProcessorID),
		zap.String("error_code", event.ErrorCode),
		zap.String("error", event.Error),
	)
	return id, nil
}
