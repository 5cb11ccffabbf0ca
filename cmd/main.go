package main

import (
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/elskow/modhub-identity/internal/app"
	"github.com/elskow/modhub-identity/internal/server"
)

func main() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = server.EnvDevelopment
		os.Setenv("APP_ENV", env)
	}

	logger, err := server.NewLogger(env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	identity := fx.New(
		app.Module(),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			fxLog := &fxevent.ZapLogger{Logger: log.Named("fx")}
			fxLog.UseLogLevel(zap.DebugLevel)
			return fxLog
		}),
	)
	if err := identity.Err(); err != nil {
		logger.Fatal("identity service failed to assemble", zap.String("env", env), zap.Error(err))
	}

	identity.Run()
}
