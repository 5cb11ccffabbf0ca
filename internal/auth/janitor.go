package auth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/elskow/modhub-identity/internal/config"
	"github.com/elskow/modhub-identity/internal/events"
)

// Janitor purges records that can no longer take part in a sign-in. Revoked refresh tokens
// are kept until they expire so that replays stay detectable.
type Janitor struct {
	config *config.RetentionConfig
	repo   Repository
	outbox events.Outbox
	log    *zap.Logger
	clock  func() time.Time
}

func NewJanitor(cfg *config.RetentionConfig, repo Repository, outbox events.Outbox, log *zap.Logger) *Janitor {
	return &Janitor{
		config: cfg,
		repo:   repo,
		outbox: outbox,
		log:    log,
		clock:  time.Now,
	}
}

func cutoff(now time.Time, retention time.Duration) time.Time {
	if retention <= 0 {
		return time.Time{}
	}
	return now.Add(-retention)
}

// Sweep runs one purge pass.
func (j *Janitor) Sweep(ctx context.Context) (PurgeResult, int64, error) {
	now := j.clock().UTC()

	res, err := j.repo.PurgeStale(ctx, PurgeCutoff{
		TokensExpiredBefore:     cutoff(now, j.config.ExpiredTokens),
		ChallengesExpiredBefore: cutoff(now, j.config.Challenges),
		AttemptsBefore:          cutoff(now, j.config.LoginAttempts),
	})
	if err != nil {
		return res, 0, fmt.Errorf("purge credential records: %w", err)
	}
	purgedTotal.WithLabelValues("refresh_token").Add(float64(res.Tokens))
	purgedTotal.WithLabelValues("challenge").Add(float64(res.Challenges))
	purgedTotal.WithLabelValues("login_attempt").Add(float64(res.Attempts))

	var delivered int64
	if before := cutoff(now, j.config.DeliveredEvents); !before.IsZero() {
		delivered, err = j.outbox.DeleteDelivered(ctx, before)
		if err != nil {
			return res, 0, fmt.Errorf("purge delivered events: %w", err)
		}
		purgedTotal.WithLabelValues("event").Add(float64(delivered))
	}

	if res.Tokens+res.Challenges+res.Attempts+delivered > 0 {
		j.log.Info("purged stale records",
			zap.Int64("refresh_tokens", res.Tokens),
			zap.Int64("challenges", res.Challenges),
			zap.Int64("login_attempts", res.Attempts),
			zap.Int64("events", delivered))
	}
	return res, delivered, nil
}

// Run sweeps every interval until ctx is cancelled. A zero interval disables the janitor.
func (j *Janitor) Run(ctx context.Context) {
	if j.config.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.log.Warn("retention sweep failed", zap.Error(err))
			}
		}
	}
}
