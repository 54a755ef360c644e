package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/api/middleware"
	"github.com/dimagi/casecore/internal/api/rest"
	"github.com/dimagi/casecore/internal/api/server"
	"github.com/dimagi/casecore/internal/blob"
	"github.com/dimagi/casecore/internal/cleanliness"
	"github.com/dimagi/casecore/internal/config"
	"github.com/dimagi/casecore/internal/forms"
	"github.com/dimagi/casecore/internal/ledger"
	"github.com/dimagi/casecore/internal/locks"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/processor"
	"github.com/dimagi/casecore/internal/projector"
	temporal "github.com/dimagi/casecore/internal/providers/temporal"
	"github.com/dimagi/casecore/internal/restore"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/syncstate"
	"github.com/dimagi/casecore/internal/workflows"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadAPIConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "api",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting casecore API")

	policy, err := cfg.Engine.Policy()
	if err != nil {
		logger.FatalCtx(ctx, "Invalid engine configuration", zap.Error(err))
	}

	// Connect to database
	db, err := store.Open(store.OpenOptions{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN(), Verbose: cfg.Debug})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	if cfg.Database.Driver != store.DriverSQLite {
		if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
			logger.FatalCtx(ctx, "Failed to configure connection pool", zap.Error(err))
		}
	}
	logger.InfoCtx(ctx, "Connected to database",
		zap.String("driver", cfg.Database.Driver),
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
	)

	dataStore := store.NewPGStore(db)
	if cfg.Database.AutoMigrate {
		if err := dataStore.Migrate(ctx); err != nil {
			logger.FatalCtx(ctx, "Failed to migrate database", zap.Error(err))
		}
		logger.InfoCtx(ctx, "Database migrated", zap.Int("schema_version", store.SchemaVersion))
	}

	blobStore, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create blob store", zap.Error(err), zap.String("backend", cfg.Blob.Backend))
	}

	// Initialize adapters
	jsonAdapter := adapter.NewJSON()
	clock := adapter.NewClock()
	ids := adapter.NewIDGenerator()
	locker := locks.NewKeyedLocker()

	// Connect to Temporal with logger integration; timed-out rebuilds are retried by the worker
	temporalLogger := temporal.NewZapLoggerAdapter(logger.Default())
	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    temporalLogger,
	})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to Temporal", zap.Error(err))
	}
	defer temporalClient.Close()
	logger.InfoCtx(ctx, "Connected to Temporal", zap.String("host_port", cfg.Temporal.HostPort))
	scheduler := workflows.NewScheduler(temporalClient, cfg.Temporal.TaskQueue)

	// Build the engine
	cache := cleanliness.New(cleanliness.Config{
		PoolSize:  cfg.Engine.Cleanliness.Size,
		QueueSize: cfg.Engine.Cleanliness.QueueSize,
	}, dataStore, clock)
	defer cache.Close()

	caseProjector := projector.New(projector.Config{RebuildTimeout: cfg.Engine.RebuildTimeout},
		dataStore, locker, jsonAdapter, clock, scheduler, cache)
	ledgerEngine := ledger.New(ledger.Config{
		MinWindowDays: cfg.Engine.ConsumptionMinWindowDays,
		MaxWindowDays: cfg.Engine.ConsumptionMaxWindowDays,
	}, dataStore, locker, clock)
	formService := forms.NewService(forms.Config{NegativeBalancePolicy: policy},
		dataStore, blobStore, processor.NewDefaultRegistry(jsonAdapter), locker, caseProjector, clock, ids)
	tracker := syncstate.NewTracker(dataStore, jsonAdapter, clock)
	builder := restore.NewBuilder(dataStore, caseProjector, ledgerEngine, cache, tracker, ids)

	srv := server.New(server.Config{
		Debug:        cfg.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Auth: middleware.AuthConfig{
			JWTPublicKey: cfg.Auth.JWTPublicKey,
			APIKeys:      cfg.Auth.APIKeys,
		},
	}, rest.Services{
		Forms:       formService,
		Projector:   caseProjector,
		Ledger:      ledgerEngine,
		Cleanliness: cache,
		Sync:        tracker,
		Restore:     builder,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "server"))
		cancel()
	}

	// The original ctx is canceled by now
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	logger.InfoCtx(shutdownCtx, "Shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(shutdownCtx, err, zap.String("component", "server"))
	}
	logger.Info("API server stopped")
}
