package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/elskow/modhub-identity/internal/config"
	"github.com/elskow/modhub-identity/internal/events"
)

const testPassword = "correct-horse-battery"

var testSource = Source{IP: "203.0.113.7", UserAgent: "modhub-cli/1.0"}

func newTestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

func testSecretKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
}

func newTestConfig() *config.AppConfig {
	return &config.AppConfig{
		Database: config.DatabaseConfig{Driver: "memory"},
		Auth: config.AuthConfig{
			JWTSecret:            "test-secret-key-long-enough-for-hs256",
			Issuer:               "modhub-identity-test",
			Audience:             "modhub-test",
			AccessTokenDuration:  15 * time.Minute,
			RefreshTokenDuration: 24 * time.Hour,
			RefreshTokenEnabled:  true,
			BcryptCost:           bcrypt.MinCost,
			DefaultRoles:         []string{"user"},
		},
		Lockout: config.LockoutConfig{
			Threshold:   5,
			Window:      15 * time.Minute,
			Policy:      config.BackoffExponential,
			BaseBackoff: time.Minute,
			MaxBackoff:  8 * time.Minute,
		},
		TwoFactor: config.TwoFactorConfig{
			Issuer:       "ModHub Test",
			Period:       30,
			Skew:         1,
			Digits:       6,
			MaxAttempts:  3,
			ChallengeTTL: 5 * time.Minute,
			SecretKey:    testSecretKey(),
		},
		RateLimit: config.RateLimitConfig{
			Enabled:  true,
			Interval: time.Minute,
			Burst:    2,
			MaxPeers: 2,
		},
	}
}

// testClock is a settable time source shared by every component of a testEnv.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	config    *config.AppConfig
	clock     *testClock
	outbox    *events.MemoryOutbox
	repo      *MemoryRepository
	tokens    *TokenService
	guard     *LoginGuard
	twoFactor *TwoFactorService
	linking   *LinkingService
	service   *Service
}

func newTestEnv(t *testing.T, opts ...func(*config.AppConfig)) *testEnv {
	t.Helper()

	cfg := newTestConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	log := newTestLogger(t)
	clock := newTestClock()

	outbox := events.NewMemoryOutbox()
	repo := NewMemoryRepository(outbox)
	repo.clock = clock.Now

	tokens := NewTokenService(&cfg.Auth, repo, log)
	tokens.clock = clock.Now
	guard := NewLoginGuard(&cfg.Lockout, repo, log)
	twoFactor, err := NewTwoFactorService(&cfg.TwoFactor, repo, log)
	require.NoError(t, err)
	twoFactor.clock = clock.Now
	linking := NewLinkingService(repo, cfg.Auth.DefaultRoles, log)
	linking.clock = clock.Now

	svc, err := NewService(cfg, repo, tokens, guard, twoFactor, linking, log)
	require.NoError(t, err)
	svc.clock = clock.Now

	return &testEnv{
		config:    cfg,
		clock:     clock,
		outbox:    outbox,
		repo:      repo,
		tokens:    tokens,
		guard:     guard,
		twoFactor: twoFactor,
		linking:   linking,
		service:   svc,
	}
}

func (e *testEnv) register(t *testing.T, username string) *User {
	t.Helper()
	user, err := e.service.Register(context.Background(), username, username+"@example.com", testPassword)
	require.NoError(t, err)
	return user
}

func (e *testEnv) login(identifier, password string) (*LoginResult, error) {
	return e.service.Authenticate(context.Background(), PasswordCredential{
		Identifier: identifier,
		Password:   password,
	}, testSource)
}

func (e *testEnv) user(t *testing.T, id string) *User {
	t.Helper()
	user, err := e.repo.GetUserByID(context.Background(), id)
	require.NoError(t, err)
	return user
}

// enableTwoFactor enrolls and confirms TOTP for userID at the current clock and returns the
// plain secret.
func (e *testEnv) enableTwoFactor(t *testing.T, userID string) string {
	t.Helper()
	ctx := context.Background()

	enrollment, err := e.service.EnrollTwoFactor(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, e.service.ConfirmTwoFactor(ctx, userID, totpCode(t, enrollment.Secret, e.clock.Now())))
	return enrollment.Secret
}

func (e *testEnv) eventNames() []string {
	var names []string
	for _, ev := range e.outbox.All() {
		names = append(names, ev.Name)
	}
	return names
}

func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}
