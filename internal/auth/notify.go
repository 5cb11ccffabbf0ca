package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/elskow/modhub-identity/internal/events"
)

// enqueueEvent writes an event to the outbox outside of any larger transaction. The state
// change it announces is already committed, so a failure here is logged and not returned.
func enqueueEvent(ctx context.Context, repo Repository, log *zap.Logger, name string, payload map[string]any, now time.Time) {
	event, err := events.NewEvent(name, "", payload, now)
	if err != nil {
		log.Error("failed to build event", zap.String("event", name), zap.Error(err))
		return
	}
	if err := repo.EnqueueEvent(ctx, event); err != nil {
		log.Error("failed to enqueue event", zap.String("event", name), zap.Error(err))
	}
}
