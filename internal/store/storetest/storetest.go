// Package storetest opens throwaway SQLite databases for tests across packages.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dimagi/casecore/internal/store"
)

// OpenDB opens a migrated SQLite database that lives in the test's temp dir.
// The pool is limited to one connection so transactions serialize like row locks would.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "casecore.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	require.NoError(t, store.NewPGStore(db).Migrate(context.Background()))
	return db
}

// OpenStore returns a store backed by OpenDB
func OpenStore(t testing.TB) store.Store {
	t.Helper()
	return store.NewPGStore(OpenDB(t))
}
