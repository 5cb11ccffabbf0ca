package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/elskow/modhub-identity/internal/config"
)

func TestNewManager_Memory(t *testing.T) {
	manager, err := NewManager(&config.DatabaseConfig{Driver: DriverMemory}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, manager.IsMemory())
	assert.Nil(t, manager.DB())
	assert.NoError(t, manager.Ping(context.Background()))
	assert.NoError(t, manager.Close())
}

func TestDSN(t *testing.T) {
	dsn := DSN(&config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "identity",
		Password: "secret",
		Name:     "modhub",
		SSLMode:  "require",
	})
	assert.Equal(t, "host=db.internal user=identity password=secret dbname=modhub port=5432 sslmode=require", dsn)
}
