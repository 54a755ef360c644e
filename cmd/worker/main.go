package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/bridge"
	"github.com/dimagi/casecore/internal/changefeed"
	"github.com/dimagi/casecore/internal/cleanliness"
	"github.com/dimagi/casecore/internal/config"
	"github.com/dimagi/casecore/internal/ledger"
	"github.com/dimagi/casecore/internal/locks"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/projector"
	temporal "github.com/dimagi/casecore/internal/providers/temporal"
	"github.com/dimagi/casecore/internal/store"
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
	cfg, err := config.LoadWorkerConfig(*configFile, *envPath)
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
			"service": "worker",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting casecore worker")

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
	logger.InfoCtx(ctx, "Connected to database", zap.String("driver", cfg.Database.Driver))

	dataStore := store.NewPGStore(db)

	// Initialize adapters
	jsonAdapter := adapter.NewJSON()
	clock := adapter.NewClock()
	natsJS := adapter.NewNatsJetStream()
	locker := locks.NewKeyedLocker()

	// Build the engine; rebuild retries are owned by the workflows here
	cache := cleanliness.New(cleanliness.Config{
		PoolSize:  cfg.Engine.Cleanliness.Size,
		QueueSize: cfg.Engine.Cleanliness.QueueSize,
	}, dataStore, clock)
	defer cache.Close()

	caseProjector := projector.New(projector.Config{RebuildTimeout: cfg.Engine.RebuildTimeout},
		dataStore, locker, jsonAdapter, clock, nil, cache)
	ledgerEngine := ledger.New(ledger.Config{
		MinWindowDays: cfg.Engine.ConsumptionMinWindowDays,
		MaxWindowDays: cfg.Engine.ConsumptionMaxWindowDays,
	}, dataStore, locker, clock)
	executor := workflows.NewExecutor(caseProjector, ledgerEngine, cache)

	// Connect to Temporal
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

	temporalWorker := worker.New(
		temporalClient,
		cfg.Temporal.TaskQueue,
		worker.Options{
			MaxConcurrentActivityExecutionSize: cfg.Temporal.MaxConcurrentActivityExecutionSize,
			WorkerActivitiesPerSecond:          cfg.Temporal.WorkerActivitiesPerSecond,
			MaxConcurrentActivityTaskPollers:   cfg.Temporal.MaxConcurrentActivityTaskPollers,
			Interceptors:                       []interceptor.WorkerInterceptor{temporal.NewSentryActivityInterceptor()},
		})

	workerCore := workflows.NewWorkerCore(executor, workflows.WorkerCoreConfig{})
	temporalWorker.RegisterWorkflow(workerCore.RebuildCase)
	temporalWorker.RegisterWorkflow(workerCore.RecomputeOwnerCleanliness)
	temporalWorker.RegisterActivity(executor.ProjectCase)
	temporalWorker.RegisterActivity(executor.RebuildCaseLedger)
	temporalWorker.RegisterActivity(executor.ComputeOwnerCleanliness)
	logger.InfoCtx(ctx, "Registered workflows and activities", zap.String("taskQueue", cfg.Temporal.TaskQueue))

	if err := temporalWorker.Start(); err != nil {
		logger.FatalCtx(ctx, "Failed to start worker", zap.Error(err))
	}
	defer temporalWorker.Stop()

	// Relay the changes journal to JetStream
	publisher, err := changefeed.NewPublisher(ctx, changefeed.Config{
		URL:            cfg.NATS.URL,
		StreamName:     cfg.NATS.StreamName,
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		ConnectionName: cfg.NATS.ConnectionName + "-relay",
	}, natsJS, jsonAdapter)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create change publisher", zap.Error(err))
	}
	defer publisher.Close()
	relay := changefeed.NewRelay(changefeed.RelayConfig{
		BatchSize:    cfg.Relay.BatchSize,
		PollInterval: cfg.Relay.PollInterval,
	}, dataStore, publisher)

	// Turn published changes into cleanliness workflows
	changeBridge, err := bridge.NewBridge(bridge.Config{
		URL:            cfg.NATS.URL,
		StreamName:     cfg.NATS.StreamName,
		ConsumerName:   cfg.NATS.ConsumerName,
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		ConnectionName: cfg.NATS.ConnectionName + "-bridge",
		AckWaitTimeout: cfg.NATS.AckWait,
		MaxDeliver:     cfg.NATS.MaxDeliver,
		Concurrency:    cfg.Engine.Cleanliness.Size,
	}, natsJS, workflows.NewScheduler(temporalClient, cfg.Temporal.TaskQueue), jsonAdapter)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create change bridge", zap.Error(err))
	}
	defer changeBridge.Close()
	logger.InfoCtx(ctx, "Change feed started",
		zap.String("stream", cfg.NATS.StreamName),
		zap.String("consumer", cfg.NATS.ConsumerName))

	errCh := make(chan error, 2)
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("relay: %w", err)
		}
	}()
	go func() {
		if err := changeBridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("bridge: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "worker"))
	}
	cancel()

	logger.Info("Shutting down worker...")
}
