package auth

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/modhub-identity/internal/config"
	"github.com/elskow/modhub-identity/internal/database"
	"github.com/elskow/modhub-identity/internal/events"
)

const discoveryTimeout = 15 * time.Second

// NewModule returns the auth module options
func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			// Provide repository
			fx.Annotate(
				func(config *config.AppConfig, manager *database.Manager, outbox events.Outbox) Repository {
					if manager.IsMemory() {
						return NewMemoryRepository(outbox)
					}
					return NewRepository(manager.DB(), config.Database.StatementTimeout)
				},
			),
			// Provide components
			fx.Annotate(
				func(config *config.AppConfig, repo Repository, log *zap.Logger) *TokenService {
					return NewTokenService(&config.Auth, repo, log.Named("tokens"))
				},
			),
			fx.Annotate(
				func(config *config.AppConfig, repo Repository, log *zap.Logger) *LoginGuard {
					return NewLoginGuard(&config.Lockout, repo, log.Named("guard"))
				},
			),
			fx.Annotate(
				func(config *config.AppConfig, repo Repository, log *zap.Logger) (*TwoFactorService, error) {
					return NewTwoFactorService(&config.TwoFactor, repo, log.Named("two_factor"))
				},
			),
			fx.Annotate(
				func(config *config.AppConfig, repo Repository, log *zap.Logger) *LinkingService {
					return NewLinkingService(repo, config.Auth.DefaultRoles, log.Named("linking"))
				},
			),
			fx.Annotate(
				func(config *config.AppConfig, log *zap.Logger) (*ProviderRegistry, error) {
					ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
					defer cancel()
					return NewProviderRegistry(ctx, &config.OAuth, log.Named("oidc"))
				},
			),
			// Provide service
			fx.Annotate(
				func(
					config *config.AppConfig,
					repo Repository,
					tokens *TokenService,
					guard *LoginGuard,
					twoFactor *TwoFactorService,
					linking *LinkingService,
					log *zap.Logger,
				) (*Service, error) {
					return NewService(config, repo, tokens, guard, twoFactor, linking, log.Named("auth"))
				},
			),
			// Provide handler
			fx.Annotate(
				func(svc *Service, providers *ProviderRegistry, log *zap.Logger) *Handler {
					return NewHandler(svc, providers, log.Named("handler"))
				},
			),
			// Provide middleware
			fx.Annotate(
				func(tokens *TokenService) *AuthMiddleware {
					return NewAuthMiddleware(tokens)
				},
			),
			fx.Annotate(
				func(config *config.AppConfig) (*RateLimiter, error) {
					return NewRateLimiter(&config.RateLimit)
				},
			),
			fx.Annotate(
				func(config *config.AppConfig, repo Repository, outbox events.Outbox, log *zap.Logger) *Janitor {
					return NewJanitor(&config.Retention, repo, outbox, log.Named("janitor"))
				},
			),
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(lifecycle fx.Lifecycle, janitor *Janitor) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				janitor.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
