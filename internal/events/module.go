package events

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/modhub-identity/internal/config"
	"github.com/elskow/modhub-identity/internal/database"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(manager *database.Manager) Outbox {
					if manager.IsMemory() {
						return NewMemoryOutbox()
					}
					return NewGormOutbox(manager.DB())
				},
			),
			fx.Annotate(
				func(log *zap.Logger) Publisher {
					return NewLogPublisher(log.Named("events"))
				},
			),
			fx.Annotate(
				func(config *config.AppConfig, outbox Outbox, publisher Publisher, log *zap.Logger) *Relay {
					return NewRelay(&config.Events, outbox, publisher, log.Named("relay"))
				},
			),
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	relay *Relay,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				relay.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			logger.Info("stopping outbox relay")
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
