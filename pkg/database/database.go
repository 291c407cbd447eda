package database

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/iziplay/findingaids/pkg/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// TablePrefix is prepended to every table owned by the pipeline.
const TablePrefix = "archives_"

// Config returns the gorm configuration shared by every dialect.
func Config() *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(
			log.Default(),
			logger.Config{
				SlowThreshold:             10 * time.Second,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: TablePrefix,
		},
	}
}

// Open connects to Postgres and configures the connection pool. Every import
// worker pins one connection, so the pool is grown to fit the concurrency.
func Open(cfg config.DatabaseConfig, concurrency int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), Config())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(max(cfg.MaxOpenConns, concurrency+4))
	sqlDB.SetMaxIdleConns(max(5, concurrency))
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("Database connection established", "host", cfg.Host, "database", cfg.Name)
	return db, nil
}

// AutoMigrate runs automatic migration for all models
func AutoMigrate(db *gorm.DB) error {
	slog.Debug("Running auto migration")

	err := db.AutoMigrate(
		&Service{},
		&FindingAid{},
		&FAComponent{},
		&Attachment{},
		&Authority{},
		&IndexEntry{},
		&SameAs{},
		&GroupedWith{},
		&AuthorityHistory{},
		&PersonRecord{},
		&ImportRun{},
		&BulkConstraint{},
	)
	if err != nil {
		return fmt.Errorf("auto migration failed: %w", err)
	}

	slog.Debug("Auto migration completed successfully")
	return nil
}

// Ping checks the database connection
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// sanitizeString removes null bytes which PostgreSQL rejects in text fields
func sanitizeString(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// tableName resolves the table of a model under the configured naming strategy.
func tableName(db *gorm.DB, model any) string {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		panic(fmt.Sprintf("database: cannot parse model %T: %v", model, err))
	}
	return stmt.Schema.Table
}
