package store

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Database drivers accepted by Open
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// OpenOptions selects the database to connect to
type OpenOptions struct {
	Driver string
	DSN    string
	// Verbose logs every statement
	Verbose bool
}

// Open connects gorm to PostgreSQL or to a SQLite file.
// SQLite connections are limited to a single connection so that writes serialize.
func Open(opts OpenOptions) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case DriverPostgres, "":
		dialector = postgres.Open(opts.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(opts.DSN + "?_busy_timeout=5000&_foreign_keys=on")
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	level := gormlogger.Warn
	if opts.Verbose {
		level = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", opts.Driver, err)
	}

	if opts.Driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}
