package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elskow/modhub-identity/internal/config"
)

const maxRetryDelay = time.Hour

// Relay moves pending outbox events to the publisher. An event is marked delivered only
// after Publish returns nil, so a crash between the two replays it.
type Relay struct {
	config    *config.EventsConfig
	outbox    Outbox
	publisher Publisher
	log       *zap.Logger
	clock     func() time.Time
}

func NewRelay(cfg *config.EventsConfig, outbox Outbox, publisher Publisher, log *zap.Logger) *Relay {
	return &Relay{
		config:    cfg,
		outbox:    outbox,
		publisher: publisher,
		log:       log,
		clock:     time.Now,
	}
}

// Run drains the outbox every poll interval until ctx is cancelled. It returns at once
// without a positive interval.
func (r *Relay) Run(ctx context.Context) {
	if r.config.PollInterval <= 0 {
		r.log.Error("outbox relay not started", zap.Duration("poll_interval", r.config.PollInterval))
		return
	}
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("outbox drain failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce publishes one batch and returns how many events were delivered.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	now := r.clock()
	batch, err := r.outbox.Pending(ctx, now, r.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	delivered := make([]bool, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.config.Concurrency, 1))
	for i, event := range batch {
		g.Go(func() error {
			ok, err := r.deliver(gctx, event)
			delivered[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return count(delivered), err
	}

	return count(delivered), nil
}

func (r *Relay) deliver(ctx context.Context, event Event) (bool, error) {
	payload, err := DecodePayload(event.Payload)
	if err != nil {
		// A payload that cannot be decoded will never publish.
		r.log.Error("dropping undecodable outbox event",
			zap.String("event_id", event.ID),
			zap.String("event", event.Name),
			zap.Error(err))
		deliveriesTotal.WithLabelValues(event.Name, "failed").Inc()
		return false, r.outbox.MarkRetry(ctx, event.ID, r.clock(), err.Error(), true)
	}

	if err := r.publisher.Publish(ctx, event.Name, payload); err != nil {
		failed := event.Attempts+1 >= r.config.MaxAttempts
		next := r.clock().Add(r.retryDelay(event.Attempts))

		outcome := "retry"
		if failed {
			outcome = "failed"
		}
		deliveriesTotal.WithLabelValues(event.Name, outcome).Inc()

		r.log.Warn("event publish failed",
			zap.String("event_id", event.ID),
			zap.String("event", event.Name),
			zap.Int("attempts", event.Attempts+1),
			zap.Bool("giving_up", failed),
			zap.Error(err))

		if markErr := r.outbox.MarkRetry(ctx, event.ID, next, err.Error(), failed); markErr != nil {
			return false, fmt.Errorf("schedule retry for %s: %w", event.ID, markErr)
		}
		return false, nil
	}

	deliveriesTotal.WithLabelValues(event.Name, "delivered").Inc()
	if err := r.outbox.MarkDelivered(ctx, event.ID, r.clock()); err != nil {
		return true, fmt.Errorf("mark %s delivered: %w", event.ID, err)
	}
	return true, nil
}

func (r *Relay) retryDelay(attempts int) time.Duration {
	delay := r.config.RetryBase
	for i := 0; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func count(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
