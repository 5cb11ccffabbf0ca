package database

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/modhub-identity/internal/config"
)

// Module provides the connection manager. Startup fails when Postgres is unreachable.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(func(cfg *config.AppConfig, logger *zap.Logger) (*Manager, error) {
			return NewManager(&cfg.Database, logger.Named("database"))
		}),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(lifecycle fx.Lifecycle, manager *Manager, logger *zap.Logger) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if manager.IsMemory() {
				return nil
			}
			if err := manager.Ping(ctx); err != nil {
				return err
			}
			logger.Info("credential store reachable",
				zap.String("host", manager.config.Host),
				zap.String("database", manager.config.Name))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("closing credential store connections")
			return manager.Close()
		},
	})
}
