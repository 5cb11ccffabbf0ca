package server

import (
	"context"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/elskow/modhub-identity/internal/api"
	"github.com/elskow/modhub-identity/internal/auth"
	"github.com/elskow/modhub-identity/internal/config"
	"github.com/elskow/modhub-identity/internal/events"
)

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		GRPC:     config.GRPCConfig{MaxReceiveMessageSize: 4 << 20, MaxSendMessageSize: 4 << 20},
		Database: config.DatabaseConfig{Driver: "memory"},
		Auth: config.AuthConfig{
			JWTSecret:            strings.Repeat("k", 32),
			Issuer:               "modhub-identity-test",
			Audience:             "modhub-test",
			AccessTokenDuration:  15 * time.Minute,
			RefreshTokenDuration: time.Hour,
			RefreshTokenEnabled:  true,
			BcryptCost:           bcrypt.MinCost,
			DefaultRoles:         []string{"user"},
		},
		Lockout: config.LockoutConfig{
			Threshold:   5,
			Window:      15 * time.Minute,
			Policy:      config.BackoffFixed,
			BaseBackoff: time.Minute,
		},
		TwoFactor: config.TwoFactorConfig{
			Issuer:       "ModHub Test",
			Period:       30,
			Skew:         1,
			Digits:       6,
			MaxAttempts:  5,
			ChallengeTTL: 5 * time.Minute,
			SecretKey:    base64.StdEncoding.EncodeToString(make([]byte, 32)),
		},
		RateLimit: config.RateLimitConfig{
			Enabled:  true,
			Interval: time.Minute,
			Burst:    3,
			MaxPeers: 16,
		},
	}
}

func newTestParams(t *testing.T, cfg *config.AppConfig) Params {
	t.Helper()
	log := zaptest.NewLogger(t)

	repo := auth.NewMemoryRepository(events.NewMemoryOutbox())
	tokens := auth.NewTokenService(&cfg.Auth, repo, log)
	guard := auth.NewLoginGuard(&cfg.Lockout, repo, log)
	twoFactor, err := auth.NewTwoFactorService(&cfg.TwoFactor, repo, log)
	require.NoError(t, err)
	linking := auth.NewLinkingService(repo, cfg.Auth.DefaultRoles, log)
	svc, err := auth.NewService(cfg, repo, tokens, guard, twoFactor, linking, log)
	require.NoError(t, err)
	providers, err := auth.NewProviderRegistry(context.Background(), &cfg.OAuth, log)
	require.NoError(t, err)
	limiter, err := auth.NewRateLimiter(&cfg.RateLimit)
	require.NoError(t, err)

	return Params{
		Config:         cfg,
		Logger:         log,
		AuthHandler:    auth.NewHandler(svc, providers, log),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		RateLimiter:    limiter,
	}
}

// startBufconn serves srv over an in-memory listener and returns a connected client.
func startBufconn(t *testing.T, srv *Server) *api.IdentityClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() {
		_ = srv.grpcServer.Serve(lis)
	}()
	t.Cleanup(func() { srv.Stop(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return api.NewIdentityClient(conn)
}

func TestIsProtectedEndpoint(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{method: api.IdentityLogin, want: false},
		{method: api.IdentityRefresh, want: false},
		{method: api.IdentityValidateToken, want: false},
		{method: api.IdentityMe, want: true},
		{method: api.IdentityLinkProvider, want: true},
		{method: "/modhub.identity.v1.Identity/Unknown", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, isProtectedEndpoint(tt.method))
		})
	}
}

func TestRateLimitInterceptor(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Burst = 1
	limiter, err := auth.NewRateLimiter(&cfg.RateLimit)
	require.NoError(t, err)

	interceptor := rateLimitInterceptor(limiter, zap.NewNop())
	handler := func(context.Context, any) (any, error) { return "ok", nil }

	call := func(method string) error {
		_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: method}, handler)
		return err
	}

	require.NoError(t, call(api.IdentityLogin))
	assert.Equal(t, codes.ResourceExhausted, status.Code(call(api.IdentityLogin)))
	assert.NoError(t, call(api.IdentityValidateToken), "not throttled")
}

func TestServer_EndToEnd(t *testing.T) {
	srv := NewServer(newTestParams(t, testConfig()))
	client := startBufconn(t, srv)
	ctx := context.Background()

	registered, err := client.Register(ctx, &api.RegisterRequest{
		Username: "endtoend",
		Email:    "endtoend@example.com",
		Password: "password123",
	})
	require.NoError(t, err)

	login, err := client.Login(ctx, &api.LoginRequest{Identifier: "endtoend", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, api.LoginStatusComplete, login.Status)
	require.NotNil(t, login.Tokens)

	_, err = client.Me(ctx)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+login.Tokens.AccessToken)
	me, err := client.Me(authed)
	require.NoError(t, err)
	assert.Equal(t, registered.UserID, me.ID)
	assert.Equal(t, "endtoend@example.com", me.Email)

	refreshed, err := client.Refresh(ctx, &api.RefreshRequest{RefreshToken: login.Tokens.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, login.Tokens.RefreshToken, refreshed.Tokens.RefreshToken)

	valid, err := client.ValidateToken(ctx, &api.ValidateTokenRequest{Token: refreshed.Tokens.AccessToken})
	require.NoError(t, err)
	assert.True(t, valid.Valid)

	// Register, Login and Refresh used the burst of three.
	_, err = client.Login(ctx, &api.LoginRequest{Identifier: "endtoend", Password: "password123"})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}
