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
	"github.com/dimagi/casecore/internal/cleanliness"
	"github.com/dimagi/casecore/internal/config"
	"github.com/dimagi/casecore/internal/locks"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/projector"
	temporal "github.com/dimagi/casecore/internal/providers/temporal"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/sweeper"
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
	cfg, err := config.LoadSweeperConfig(*configFile, *envPath)
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
			"service": "sweeper",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting Sweeper")

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
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
	)

	dataStore := store.NewPGStore(db)
	jsonAdapter := adapter.NewJSON()
	clock := adapter.NewClock()

	// Rebuilds that time out during a sweep are handed to the worker
	temporalLogger := temporal.NewZapLoggerAdapter(logger.Default())
	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    temporalLogger,
	})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to Temporal", zap.Error(err), zap.String("host_port", cfg.Temporal.HostPort))
	}
	defer temporalClient.Close()
	logger.InfoCtx(ctx, "Connected to Temporal", zap.String("namespace", cfg.Temporal.Namespace))

	cache := cleanliness.New(cleanliness.Config{
		PoolSize:  cfg.Engine.Cleanliness.Size,
		QueueSize: cfg.Engine.Cleanliness.QueueSize,
	}, dataStore, clock)
	defer cache.Close()

	caseProjector := projector.New(projector.Config{RebuildTimeout: cfg.Engine.RebuildTimeout},
		dataStore, locks.NewKeyedLocker(), jsonAdapter, clock,
		workflows.NewScheduler(temporalClient, cfg.Temporal.TaskQueue), cache)

	sweepers := []sweeper.Sweeper{
		sweeper.NewDirtyCaseSweeper(sweeper.DirtyCaseSweeperConfig{
			BatchSize:      cfg.DirtyCaseSweeper.BatchSize,
			WorkerPoolSize: cfg.DirtyCaseSweeper.Worker.Size,
			Interval:       cfg.DirtyCaseSweeper.Interval,
		}, dataStore, caseProjector, clock),
		sweeper.NewCleanlinessSweeper(sweeper.CleanlinessSweeperConfig{
			BatchSize:      cfg.CleanlinessSweeper.BatchSize,
			WorkerPoolSize: cfg.Engine.Cleanliness.Size,
			Interval:       cfg.CleanlinessSweeper.Interval,
		}, dataStore, cache, clock),
	}
	logger.InfoCtx(ctx, "Initialized sweepers",
		zap.Int("dirty_case_batch_size", cfg.DirtyCaseSweeper.BatchSize),
		zap.Duration("dirty_case_interval", cfg.DirtyCaseSweeper.Interval),
		zap.Int("cleanliness_batch_size", cfg.CleanlinessSweeper.BatchSize),
		zap.Duration("cleanliness_interval", cfg.CleanlinessSweeper.Interval),
	)

	errChan := make(chan error, len(sweepers))
	for _, s := range sweepers {
		go func(s sweeper.Sweeper) {
			if err := s.Start(ctx); err != nil {
				errChan <- fmt.Errorf("%s: %w", s.Name(), err)
			}
		}(s)
	}

	// Wait for interrupt signal or error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.ErrorCtx(ctx, err)
	}

	// Cancel context to stop the sweepers
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	for _, s := range sweepers {
		if err := s.Stop(shutdownCtx); err != nil {
			logger.ErrorCtx(shutdownCtx, err, zap.String("sweeper", s.Name()))
		}
	}

	logger.InfoCtx(shutdownCtx, "Sweeper stopped")
}
