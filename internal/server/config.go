package server

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/elskow/modhub-identity/internal/config"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

const envPrefix = "MODHUB"

func LoadConfig() (*config.AppConfig, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()
	return LoadConfigFrom("./config/server")
}

// LoadConfigFrom reads config.toml from dir, applies MODHUB_* environment overrides and
// validates the result.
func LoadConfigFrom(dir string) (*config.AppConfig, error) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = EnvDevelopment
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg config.AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Load environment-specific configurations
	if envSettings := v.GetStringMap(fmt.Sprintf("grpc.%s", env)); len(envSettings) > 0 {
		if err := v.UnmarshalKey(fmt.Sprintf("grpc.%s", env), &cfg.GRPC); err != nil {
			return nil, fmt.Errorf("error unmarshaling env config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "50051")
	v.SetDefault("server.metrics_port", "9090")
	v.SetDefault("grpc.max_receive_message_size", 4<<20)
	v.SetDefault("grpc.max_send_message_size", 4<<20)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.statement_timeout", "3s")
	v.SetDefault("auth.access_token_duration", "15m")
	v.SetDefault("auth.refresh_token_duration", "720h")
	v.SetDefault("auth.refresh_token_enabled", true)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.default_roles", []string{"user"})
	v.SetDefault("lockout.threshold", 5)
	v.SetDefault("lockout.window", "15m")
	v.SetDefault("lockout.policy", string(config.BackoffExponential))
	v.SetDefault("lockout.base_backoff", "1m")
	v.SetDefault("lockout.max_backoff", "1h")
	v.SetDefault("two_factor.period", 30)
	v.SetDefault("two_factor.skew", 1)
	v.SetDefault("two_factor.digits", 6)
	v.SetDefault("two_factor.max_attempts", 5)
	v.SetDefault("two_factor.challenge_ttl", "5m")
	v.SetDefault("events.poll_interval", "2s")
	v.SetDefault("events.batch_size", 100)
	v.SetDefault("events.concurrency", 4)
	v.SetDefault("events.retry_base", "5s")
	v.SetDefault("events.max_attempts", 10)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.interval", "1s")
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("rate_limit.max_peers", 10000)
	v.SetDefault("retention.interval", "1h")
	v.SetDefault("retention.expired_tokens", "168h")
	v.SetDefault("retention.challenges", "24h")
	v.SetDefault("retention.login_attempts", "2160h")
	v.SetDefault("retention.delivered_events", "168h")
}
