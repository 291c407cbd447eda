// Package databasetest opens throwaway SQLite stores for tests.
package databasetest

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/iziplay/findingaids/pkg/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New opens a migrated SQLite database in a temporary directory. Foreign keys
// are enforced and transactions take the write lock immediately, so several
// workers can share the file.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "findingaids.db")
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=10000&_txlock=immediate&_journal_mode=WAL", path)

	cfg := database.Config()
	cfg.Logger = logger.Discard
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// NewStore opens a migrated SQLite store.
func NewStore(t testing.TB) *database.Store {
	t.Helper()
	return database.NewStore(New(t))
}
