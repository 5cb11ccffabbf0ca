package app

import (
	"context"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/modhub-identity/internal/auth"
	"github.com/elskow/modhub-identity/internal/config"
	"github.com/elskow/modhub-identity/internal/database"
	"github.com/elskow/modhub-identity/internal/events"
	"github.com/elskow/modhub-identity/internal/migration"
	"github.com/elskow/modhub-identity/internal/server"
)

const sentryFlushTimeout = 2 * time.Second

// Module combines all application modules
func Module() fx.Option {
	return fx.Options(
		// Logger
		fx.Provide(newLogger),

		// Configuration
		fx.Provide(server.LoadConfig),

		// Storage
		database.Module(),
		migration.Module(),

		// Domain events
		events.Module(),

		// Auth Module
		auth.NewModule(),

		// Server
		fx.Provide(server.NewServer),

		fx.Invoke(registerSentry),
		// Start the server
		fx.Invoke(registerHooks),
	)
}

func newLogger() (*zap.Logger, error) {
	env := os.Getenv("APP_ENV")
	return server.NewLogger(env)
}

func registerSentry(lifecycle fx.Lifecycle, config *config.AppConfig, log *zap.Logger) error {
	if config.Observability.SentryDSN == "" {
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              config.Observability.SentryDSN,
		Environment:      os.Getenv("APP_ENV"),
		AttachStacktrace: true,
	})
	if err != nil {
		return err
	}
	log.Info("sentry error reporting enabled")

	lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			sentry.Flush(sentryFlushTimeout)
			return nil
		},
	})
	return nil
}

func registerHooks(
	lifecycle fx.Lifecycle,
	srv *server.Server,
	log *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("failed to start server", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down server...")
			srv.Stop(ctx)
			return nil
		},
	})
}
