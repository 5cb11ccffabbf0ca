package migration

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/modhub-identity/internal/config"
	"github.com/elskow/modhub-identity/internal/database"
)

// Module syncs the Postgres schema on start. With the memory driver it does nothing.
func Module() fx.Option {
	return fx.Options(
		fx.Invoke(registerHooks),
	)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	config *config.AppConfig,
	logger *zap.Logger,
) {
	if config.Database.Driver == database.DriverMemory {
		logger.Info("skipping schema migrations for the memory driver")
		return
	}

	var migrator *Migrator
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			m, err := NewMigrator(&config.Database)
			if err != nil {
				return err
			}
			migrator = m

			from, to, err := migrator.Sync(ctx)
			if err != nil {
				return err
			}
			logger.Info("Database migration status",
				zap.Int64("previous_version", from),
				zap.Int64("current_version", to))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if migrator == nil {
				return nil
			}
			return migrator.Close()
		},
	})
}
