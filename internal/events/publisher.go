package events

import (
	"context"

	"go.uber.org/zap"
)

// Publisher hands an event to the platform message bus. Delivery guarantees past this call
// belong to the implementation.
type Publisher interface {
	Publish(ctx context.Context, name string, payload map[string]any) error
}

// LogPublisher writes events to the service log. It stands in for the bus in development.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, name string, payload map[string]any) error {
	p.log.Info("event published",
		zap.String("event", name),
		zap.Any("payload", payload))
	return nil
}
