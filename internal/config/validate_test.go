package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{Driver: "postgres"},
		Auth: AuthConfig{
			JWTSecret:            strings.Repeat("s", 32),
			Issuer:               "modhub-identity",
			Audience:             "modhub",
			AccessTokenDuration:  15 * time.Minute,
			RefreshTokenDuration: 720 * time.Hour,
		},
		Lockout: LockoutConfig{
			Threshold:   5,
			Window:      15 * time.Minute,
			Policy:      BackoffExponential,
			BaseBackoff: time.Minute,
			MaxBackoff:  time.Hour,
		},
		TwoFactor: TwoFactorConfig{
			Period:       30,
			Digits:       6,
			MaxAttempts:  5,
			ChallengeTTL: 5 * time.Minute,
			SecretKey:    "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=",
		},
		Events: EventsConfig{
			PollInterval: 2 * time.Second,
			BatchSize:    100,
			Concurrency:  4,
			RetryBase:    5 * time.Second,
			MaxAttempts:  10,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Interval: time.Second,
			Burst:    10,
			MaxPeers: 10000,
		},
	}
}

func TestAppConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantMsg string
	}{
		{name: "valid", mutate: func(*AppConfig) {}},
		{name: "memory driver", mutate: func(c *AppConfig) { c.Database.Driver = "memory" }},
		{name: "fixed backoff ignores max", mutate: func(c *AppConfig) {
			c.Lockout.Policy = BackoffFixed
			c.Lockout.MaxBackoff = 0
		}},
		{
			name:    "short jwt secret",
			mutate:  func(c *AppConfig) { c.Auth.JWTSecret = "short" },
			wantMsg: "auth.jwt_secret must be at least 32 bytes",
		},
		{
			name:    "refresh shorter than access",
			mutate:  func(c *AppConfig) { c.Auth.RefreshTokenDuration = time.Minute },
			wantMsg: "auth.refresh_token_duration must exceed the access token duration",
		},
		{
			name:    "unknown backoff policy",
			mutate:  func(c *AppConfig) { c.Lockout.Policy = "linear" },
			wantMsg: `lockout.policy "linear" is not one of fixed, exponential`,
		},
		{
			name:    "max below base",
			mutate:  func(c *AppConfig) { c.Lockout.MaxBackoff = time.Second },
			wantMsg: "lockout.max_backoff must be at least lockout.base_backoff",
		},
		{
			name:    "seven digit codes",
			mutate:  func(c *AppConfig) { c.TwoFactor.Digits = 7 },
			wantMsg: "two_factor.digits must be 6 or 8",
		},
		{
			name:    "short secret key",
			mutate:  func(c *AppConfig) { c.TwoFactor.SecretKey = "c2hvcnQ=" },
			wantMsg: "two_factor.secret_key must be a base64 encoded 32 byte key",
		},
		{
			name: "duplicate provider",
			mutate: func(c *AppConfig) {
				p := OAuthProviderConfig{Name: "github", IssuerURL: "https://github.example.com", ClientID: "id"}
				c.OAuth.Providers = []OAuthProviderConfig{p, p}
			},
			wantMsg: `oauth provider "github" configured twice`,
		},
		{
			name:    "no poll interval",
			mutate:  func(c *AppConfig) { c.Events.PollInterval = 0 },
			wantMsg: "events.poll_interval must be positive",
		},
		{
			name:    "no batch size",
			mutate:  func(c *AppConfig) { c.Events.BatchSize = 0 },
			wantMsg: "events.batch_size must be positive",
		},
		{
			name:    "negative concurrency",
			mutate:  func(c *AppConfig) { c.Events.Concurrency = -1 },
			wantMsg: "events.concurrency must not be negative",
		},
		{
			name:    "no retry base",
			mutate:  func(c *AppConfig) { c.Events.RetryBase = 0 },
			wantMsg: "events.retry_base must be positive",
		},
		{
			name:    "no delivery attempts",
			mutate:  func(c *AppConfig) { c.Events.MaxAttempts = 0 },
			wantMsg: "events.max_attempts must be positive",
		},
		{
			name:    "rate limit without interval",
			mutate:  func(c *AppConfig) { c.RateLimit.Interval = 0 },
			wantMsg: "rate_limit.interval must be positive",
		},
		{
			name:    "rate limit without burst",
			mutate:  func(c *AppConfig) { c.RateLimit.Burst = 0 },
			wantMsg: "rate_limit.burst must be positive",
		},
		{
			name:    "rate limit without peer cache",
			mutate:  func(c *AppConfig) { c.RateLimit.MaxPeers = 0 },
			wantMsg: "rate_limit.max_peers must be positive",
		},
		{name: "disabled rate limit ignores its settings", mutate: func(c *AppConfig) {
			c.RateLimit = RateLimitConfig{}
		}},
		{
			name:    "negative retention",
			mutate:  func(c *AppConfig) { c.Retention.LoginAttempts = -time.Hour },
			wantMsg: "retention durations must not be negative",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *AppConfig) { c.Database.Driver = "mysql" },
			wantMsg: `database.driver "mysql" is not one of postgres, memory`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrConfiguration)
			assert.ErrorContains(t, err, tt.wantMsg)
		})
	}
}

func TestAppConfig_ValidateReportsEveryProblem(t *testing.T) {
	cfg := AppConfig{}

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorContains(t, err, "auth.issuer is required")
	assert.ErrorContains(t, err, "lockout.threshold must be positive")
	assert.ErrorContains(t, err, "two_factor.max_attempts must be positive")
	assert.ErrorContains(t, err, "events.poll_interval must be positive")
}
