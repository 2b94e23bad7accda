package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stockfeed/stockfeed/internal/models"
	"github.com/stockfeed/stockfeed/pkg/config"
	"github.com/stockfeed/stockfeed/pkg/logging"
)

const (
	slowQuery   = 500 * time.Millisecond
	pingTimeout = 5 * time.Second
)

// gormWriter sends gorm's query log through zap
type gormWriter struct {
	sugar *zap.SugaredLogger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.sugar.Infof(format, args...)
}

// DB is the primary Postgres database. It holds posts, averaging entries
// and, with the postgres blob driver, the feed snapshot.
type DB struct {
	*gorm.DB
}

// New opens the pool and pings it once
func New(cfg *config.DatabaseConfig, logLevel string) (*DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: newGormLogger(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d := &DB{DB: gdb}
	if err := d.configurePool(cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := d.Health(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logging.GetLogger().Info("Database connection established",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns))
	return d, nil
}

func newGormLogger(level string) logger.Interface {
	return logger.New(
		gormWriter{sugar: logging.WithComponent("gorm").Sugar()},
		logger.Config{
			SlowThreshold:             slowQuery,
			LogLevel:                  gormLevel(level),
			IgnoreRecordNotFoundError: true,
		},
	)
}

func (d *DB) configurePool(cfg *config.DatabaseConfig) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return nil
}

// gormLevel maps the service log level onto gorm's, one step quieter
func gormLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.Info
	case "info":
		return logger.Warn
	case "warn", "warning":
		return logger.Error
	case "error":
		return logger.Silent
	default:
		return logger.Warn
	}
}

// Migrate creates or updates the tables this service owns
func (d *DB) Migrate(ctx context.Context) error {
	if err := d.DB.WithContext(ctx).AutoMigrate(&models.Post{}, &models.AveragingEntry{}, &models.Blob{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health pings the pool
func (d *DB) Health(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
