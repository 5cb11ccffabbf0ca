package config

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrConfiguration marks a configuration that cannot be used to start the process.
var ErrConfiguration = errors.New("configuration error")

const minSecretLength = 32

// Validate checks the values every component relies on at construction time.
func (c *AppConfig) Validate() error {
	var errs []error

	if len(c.Auth.JWTSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least %d bytes", minSecretLength))
	}
	if c.Auth.Issuer == "" {
		errs = append(errs, errors.New("auth.issuer is required"))
	}
	if c.Auth.Audience == "" {
		errs = append(errs, errors.New("auth.audience is required"))
	}
	if c.Auth.AccessTokenDuration <= 0 {
		errs = append(errs, errors.New("auth.access_token_duration must be positive"))
	}
	if c.Auth.RefreshTokenDuration <= c.Auth.AccessTokenDuration {
		errs = append(errs, errors.New("auth.refresh_token_duration must exceed the access token duration"))
	}

	if c.Lockout.Threshold <= 0 {
		errs = append(errs, errors.New("lockout.threshold must be positive"))
	}
	if c.Lockout.Window <= 0 {
		errs = append(errs, errors.New("lockout.window must be positive"))
	}
	if c.Lockout.BaseBackoff <= 0 {
		errs = append(errs, errors.New("lockout.base_backoff must be positive"))
	}
	switch c.Lockout.Policy {
	case BackoffFixed:
	case BackoffExponential:
		if c.Lockout.MaxBackoff < c.Lockout.BaseBackoff {
			errs = append(errs, errors.New("lockout.max_backoff must be at least lockout.base_backoff"))
		}
	default:
		errs = append(errs, fmt.Errorf("lockout.policy %q is not one of fixed, exponential", c.Lockout.Policy))
	}

	if c.TwoFactor.Period == 0 {
		errs = append(errs, errors.New("two_factor.period must be positive"))
	}
	if c.TwoFactor.Digits != 6 && c.TwoFactor.Digits != 8 {
		errs = append(errs, errors.New("two_factor.digits must be 6 or 8"))
	}
	if c.TwoFactor.MaxAttempts <= 0 {
		errs = append(errs, errors.New("two_factor.max_attempts must be positive"))
	}
	if c.TwoFactor.ChallengeTTL <= 0 {
		errs = append(errs, errors.New("two_factor.challenge_ttl must be positive"))
	}
	if key, err := base64.StdEncoding.DecodeString(c.TwoFactor.SecretKey); err != nil || len(key) != 32 {
		errs = append(errs, errors.New("two_factor.secret_key must be a base64 encoded 32 byte key"))
	}

	seen := make(map[string]bool, len(c.OAuth.Providers))
	for _, p := range c.OAuth.Providers {
		if p.Name == "" || p.IssuerURL == "" || p.ClientID == "" {
			errs = append(errs, fmt.Errorf("oauth provider %q needs name, issuer_url and client_id", p.Name))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("oauth provider %q configured twice", p.Name))
		}
		seen[p.Name] = true
	}

	if c.Events.PollInterval <= 0 {
		errs = append(errs, errors.New("events.poll_interval must be positive"))
	}
	if c.Events.BatchSize <= 0 {
		errs = append(errs, errors.New("events.batch_size must be positive"))
	}
	if c.Events.Concurrency < 0 {
		errs = append(errs, errors.New("events.concurrency must not be negative"))
	}
	if c.Events.RetryBase <= 0 {
		errs = append(errs, errors.New("events.retry_base must be positive"))
	}
	if c.Events.MaxAttempts <= 0 {
		errs = append(errs, errors.New("events.max_attempts must be positive"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Interval <= 0 {
			errs = append(errs, errors.New("rate_limit.interval must be positive"))
		}
		if c.RateLimit.Burst <= 0 {
			errs = append(errs, errors.New("rate_limit.burst must be positive"))
		}
		if c.RateLimit.MaxPeers <= 0 {
			errs = append(errs, errors.New("rate_limit.max_peers must be positive"))
		}
	}

	if c.Retention.Interval < 0 || c.Retention.ExpiredTokens < 0 || c.Retention.Challenges < 0 ||
		c.Retention.LoginAttempts < 0 || c.Retention.DeliveredEvents < 0 {
		errs = append(errs, errors.New("retention durations must not be negative"))
	}

	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of postgres, memory", c.Database.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}
	return nil
}
