package cli

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/blob"
	"github.com/dimagi/casecore/internal/cleanliness"
	"github.com/dimagi/casecore/internal/config"
	"github.com/dimagi/casecore/internal/forms"
	"github.com/dimagi/casecore/internal/ledger"
	"github.com/dimagi/casecore/internal/locks"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/processor"
	"github.com/dimagi/casecore/internal/projector"
	"github.com/dimagi/casecore/internal/store"
)

// engine is the set of components a command works with
type engine struct {
	cfg         config.CtlConfig
	db          *gorm.DB
	store       store.Store
	projector   projector.Projector
	ledger      ledger.Engine
	cleanliness *cleanliness.Cache
	forms       forms.Service
}

// loadConfig reads the configuration, or builds a local one around --sqlite
func (o *RootOptions) loadConfig() (*config.CtlConfig, error) {
	if o.SQLite != "" {
		return &config.CtlConfig{
			BaseConfig: config.BaseConfig{Debug: o.Verbose},
			Database: config.DatabaseConfig{
				Driver:      config.DriverSQLite,
				SQLitePath:  o.SQLite,
				AutoMigrate: true,
			},
			Blob:   config.BlobConfig{Backend: config.BlobBackendMemory},
			Engine: config.DefaultEngineConfig(),
		}, nil
	}

	cfg, err := config.LoadCtlConfig(o.ConfigFile, o.EnvPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// openEngine connects to the database and wires the engine without background schedulers
func (o *RootOptions) openEngine(ctx context.Context) (*engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	db, err := store.Open(store.OpenOptions{
		Driver:  cfg.Database.Driver,
		DSN:     cfg.Database.DSN(),
		Verbose: o.Verbose,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	st := store.NewPGStore(db)
	if cfg.Database.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			closeDB(db)
			return nil, WrapExitError(ExitCommandError, "failed to migrate database", err)
		}
	}

	policy, err := cfg.Engine.Policy()
	if err != nil {
		closeDB(db)
		return nil, WrapExitError(ExitCommandError, "invalid negative balance policy", err)
	}

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		closeDB(db)
		return nil, WrapExitError(ExitCommandError, "failed to create blob store", err)
	}

	jsonAdapter := adapter.NewJSON()
	clock := adapter.NewClock()
	locker := locks.NewKeyedLocker()

	cache := cleanliness.New(cleanliness.Config{
		PoolSize:  cfg.Engine.Cleanliness.Size,
		QueueSize: cfg.Engine.Cleanliness.QueueSize,
	}, st, clock)
	proj := projector.New(projector.Config{RebuildTimeout: cfg.Engine.RebuildTimeout},
		st, locker, jsonAdapter, clock, nil, cache)

	return &engine{
		cfg:       *cfg,
		db:        db,
		store:     st,
		projector: proj,
		ledger: ledger.New(ledger.Config{
			MinWindowDays: cfg.Engine.ConsumptionMinWindowDays,
			MaxWindowDays: cfg.Engine.ConsumptionMaxWindowDays,
		}, st, locker, clock),
		cleanliness: cache,
		forms: forms.NewService(forms.Config{NegativeBalancePolicy: policy},
			st, blobs, processor.NewDefaultRegistry(jsonAdapter), locker, proj, clock, adapter.NewIDGenerator()),
	}, nil
}

// Close waits for background recomputes and closes the database
func (e *engine) Close() {
	e.cleanliness.Close()
	closeDB(e.db)
}

func closeDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("Failed to close database", zap.Error(err))
	}
}
