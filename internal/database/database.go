package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/elskow/modhub-identity/internal/config"
)

const DriverMemory = "memory"

type Manager struct {
	db     *gorm.DB
	config *config.DatabaseConfig
	logger *zap.Logger
}

// NewManager opens the Postgres connection pool. With the memory driver no connection is
// made and DB returns nil.
func NewManager(config *config.DatabaseConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		config: config,
		logger: logger,
	}
	if config.Driver == DriverMemory {
		logger.Warn("using in-memory credential store; data is lost on restart")
		return m, nil
	}

	db, err := newDatabase(config, logger)
	if err != nil {
		return nil, err
	}
	m.db = db
	return m, nil
}

func (m *Manager) DB() *gorm.DB {
	return m.db
}

func (m *Manager) IsMemory() bool {
	return m.db == nil
}

// Ping checks that the pool can reach Postgres. It is a no-op for the memory driver.
func (m *Manager) Ping(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s:%d/%s: %w", m.config.Host, m.config.Port, m.config.Name, err)
	}
	return nil
}

func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func DSN(config *config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		config.Host,
		config.User,
		config.Password,
		config.Name,
		config.Port,
		config.SSLMode,
	)
}

func newDatabase(config *config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.New(
			zap.NewStdLog(log.Named("gorm")),
			logger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(DSN(config)), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}
