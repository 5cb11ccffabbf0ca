package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/elskow/modhub-identity/internal/config"
	"github.com/elskow/modhub-identity/internal/events"
)

type LockDecision struct {
	Locked bool
	Until  time.Time
}

// LoginGuard records attempts and owns the consecutive-failure counter on the user record.
type LoginGuard struct {
	config *config.LockoutConfig
	repo   Repository
	log    *zap.Logger
}

func NewLoginGuard(config *config.LockoutConfig, repo Repository, log *zap.Logger) *LoginGuard {
	return &LoginGuard{
		config: config,
		repo:   repo,
		log:    log,
	}
}

func (g *LoginGuard) RecordAttempt(ctx context.Context, attempt *LoginAttempt) error {
	if attempt.ID == "" {
		attempt.ID = newID()
	}
	if err := g.repo.SaveLoginAttempt(ctx, attempt); err != nil {
		return storeErr("save login attempt", err)
	}
	return nil
}

// EvaluateLockout reports whether user is locked at now. An elapsed lock counts as
// cleared without any write.
func (g *LoginGuard) EvaluateLockout(user *User, now time.Time) LockDecision {
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		return LockDecision{Locked: true, Until: *user.LockedUntil}
	}
	return LockDecision{}
}

// RegisterFailure counts one failed attempt and locks the account once the threshold is
// reached. The write is conditional on the user's version and retried once against a
// fresh copy on conflict.
func (g *LoginGuard) RegisterFailure(ctx context.Context, user *User, now time.Time) (*User, LockDecision, error) {
	current := user
	for attempt := 0; ; attempt++ {
		if d := g.EvaluateLockout(current, now); d.Locked {
			return current, d, nil
		}

		update, decision := g.failureUpdate(current, now)
		updated, err := g.repo.UpdateUser(ctx, current.ID, current.Version, update)
		if err == nil {
			if decision.Locked {
				g.onLocked(ctx, updated, decision, now)
			}
			return updated, decision, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt > 0 {
			return nil, LockDecision{}, storeErr("register failure", err)
		}

		current, err = g.repo.GetUserByID(ctx, user.ID)
		if err != nil {
			return nil, LockDecision{}, storeErr("reload user", err)
		}
	}
}

func (g *LoginGuard) failureUpdate(user *User, now time.Time) (UserUpdate, LockDecision) {
	count := user.FailedLoginAttempts
	if user.LastFailedLoginAt != nil && now.Sub(*user.LastFailedLoginAt) > g.config.Window {
		count = 0
	}
	count++

	update := UserUpdate{LastFailedLoginAt: &now}
	if count < g.config.Threshold {
		update.FailedLoginAttempts = &count
		if user.LockedUntil != nil {
			update.ClearLockedUntil = true
		}
		return update, LockDecision{}
	}

	until := now.Add(g.backoff(user.LockoutCount))
	zero := 0
	lockouts := user.LockoutCount + 1
	update.FailedLoginAttempts = &zero
	update.LockedUntil = &until
	update.LockoutCount = &lockouts
	return update, LockDecision{Locked: true, Until: until}
}

// backoff returns the lock duration for an account that has already been locked
// previousLocks times since its last successful login.
func (g *LoginGuard) backoff(previousLocks int) time.Duration {
	d := g.config.BaseBackoff
	if g.config.Policy != config.BackoffExponential {
		return d
	}
	for i := 0; i < previousLocks && d < g.config.MaxBackoff; i++ {
		d *= 2
	}
	if d > g.config.MaxBackoff {
		d = g.config.MaxBackoff
	}
	return d
}

func (g *LoginGuard) onLocked(ctx context.Context, user *User, decision LockDecision, now time.Time) {
	lockoutsTotal.Inc()
	g.log.Warn("account locked",
		zap.String("user_id", user.ID),
		zap.Time("locked_until", decision.Until),
		zap.Int("lockout_count", user.LockoutCount))

	enqueueEvent(ctx, g.repo, g.log, events.AccountLocked, map[string]any{
		"user_id":      user.ID,
		"locked_until": decision.Until.UTC().Format(time.RFC3339),
	}, now)
}
