package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elskow/modhub-identity/internal/config"
)

const testConfigTOML = `
[server]
port = "6000"

[grpc]
enable_reflection = false

[grpc.testing]
enable_reflection = true
max_receive_message_size = 1048576
max_send_message_size = 1048576

[database]
driver = "memory"

[auth]
jwt_secret = "0123456789abcdef0123456789abcdef"
issuer = "modhub-identity"
audience = "modhub"

[two_factor]
issuer = "ModHub"
secret_key = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0o600))
	return dir
}

func TestLoadConfigFrom(t *testing.T) {
	t.Setenv("APP_ENV", EnvTesting)
	dir := writeConfig(t, testConfigTOML)

	cfg, err := LoadConfigFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "6000", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.True(t, cfg.GRPC.EnableReflection)
	assert.Equal(t, 1048576, cfg.GRPC.MaxReceiveMessageSize)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTokenDuration)
	assert.True(t, cfg.Auth.RefreshTokenEnabled)
	assert.Equal(t, []string{"user"}, cfg.Auth.DefaultRoles)
	assert.Equal(t, 5, cfg.Lockout.Threshold)
	assert.Equal(t, config.BackoffExponential, cfg.Lockout.Policy)
	assert.Equal(t, 5, cfg.TwoFactor.MaxAttempts)
	assert.Equal(t, uint(30), cfg.TwoFactor.Period)
}

func TestLoadConfigFrom_EnvironmentOverrides(t *testing.T) {
	t.Setenv("APP_ENV", EnvTesting)
	t.Setenv("MODHUB_LOCKOUT_THRESHOLD", "3")
	t.Setenv("MODHUB_AUTH_ISSUER", "override")
	dir := writeConfig(t, testConfigTOML)

	cfg, err := LoadConfigFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Lockout.Threshold)
	assert.Equal(t, "override", cfg.Auth.Issuer)
}

func TestLoadConfigFrom_Errors(t *testing.T) {
	t.Setenv("APP_ENV", EnvTesting)

	_, err := LoadConfigFrom(t.TempDir())
	assert.ErrorContains(t, err, "error reading config file")

	dir := writeConfig(t, "[auth]\njwt_secret = \"short\"\n")
	_, err = LoadConfigFrom(dir)
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestNewLogger(t *testing.T) {
	for _, env := range []string{EnvDevelopment, EnvProduction, EnvTesting} {
		t.Run(env, func(t *testing.T) {
			log, err := NewLogger(env)
			require.NoError(t, err)
			assert.NotNil(t, log)
		})
	}
}
