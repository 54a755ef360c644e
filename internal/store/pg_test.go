//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// CASECORE_TEST_DSN points the suite at an existing database instead of a container
const testDSNEnv = "CASECORE_TEST_DSN"

var testDB *gorm.DB

func TestMain(m *testing.M) {
	os.Exit(runWithPostgres(m))
}

func runWithPostgres(m *testing.M) int {
	ctx := context.Background()

	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("casecore_test"),
			postgres.WithUsername("casecore"),
			postgres.WithPassword("casecore"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "postgres container: %v\n", err)
			return 1
		}
		defer func() {
			if err := container.Terminate(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "terminate postgres container: %v\n", err)
			}
		}()

		if dsn, err = container.ConnectionString(ctx, "sslmode=disable"); err != nil {
			fmt.Fprintf(os.Stderr, "postgres connection string: %v\n", err)
			return 1
		}
	}

	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to postgres: %v\n", err)
		return 1
	}
	if err := NewPGStore(db).Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	testDB = db

	return m.Run()
}

// initPGTestDB runs each test inside a transaction that is rolled back afterwards;
// the store's own transactions become savepoints
func initPGTestDB(t *testing.T) Store {
	tx := testDB.Begin()
	require.NoError(t, tx.Error)
	t.Cleanup(func() {
		tx.Rollback()
	})
	return NewPGStore(tx)
}

func TestPostgreSQLStore(t *testing.T) {
	require.NotNil(t, testDB)
	RunStoreTests(t, initPGTestDB, func(*testing.T) {})
}
