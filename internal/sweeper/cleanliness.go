package sweeper

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/cleanliness"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/store"
)

// CleanlinessSweeperConfig holds configuration for the cleanliness sweeper
type CleanlinessSweeperConfig struct {
	BatchSize      int           // Flags recomputed per cycle
	WorkerPoolSize int           // Concurrent computations
	Interval       time.Duration // Pause between cycles
}

// CleanlinessSweeper recomputes stale owner flags
type CleanlinessSweeper struct {
	*loop
	config  CleanlinessSweeperConfig
	store   store.Store
	checker cleanliness.Checker
	clock   adapter.Clock
}

// NewCleanlinessSweeper creates a sweeper recomputing flags that were invalidated or never computed,
// including those whose background recompute was dropped
func NewCleanlinessSweeper(cfg CleanlinessSweeperConfig, st store.Store, checker cleanliness.Checker, clock adapter.Clock) *CleanlinessSweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &CleanlinessSweeper{
		loop:    newLoop("cleanliness-sweeper", cfg.Interval, clock),
		config:  cfg,
		store:   st,
		checker: checker,
		clock:   clock,
	}
}

func (s *CleanlinessSweeper) Start(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context) error {
		_, err := s.RunCycle(ctx)
		return err
	})
}

// RunCycle recomputes one batch of stale flags
func (s *CleanlinessSweeper) RunCycle(ctx context.Context) (CycleResult, error) {
	startTime := s.clock.Now()

	flags, err := s.store.ListStaleCleanlinessFlags(ctx, s.config.BatchSize)
	if err != nil {
		return CycleResult{}, fmt.Errorf("failed to list stale cleanliness flags: %w", err)
	}
	if len(flags) == 0 {
		logger.DebugCtx(ctx, "No stale cleanliness flags")
		return CycleResult{}, nil
	}

	var succeeded, failed atomic.Int32
	pool := pond.NewPool(s.config.WorkerPoolSize, pond.WithQueueSize(len(flags)), pond.WithContext(ctx))
	for _, flag := range flags {
		pool.Submit(func() {
			if _, err := s.checker.ForceFullCheck(ctx, flag.Domain, flag.OwnerID); err != nil {
				failed.Add(1)
				logger.WarnCtx(ctx, "Cleanliness recompute failed",
					zap.String("domain", flag.Domain),
					zap.String("ownerID", flag.OwnerID),
					zap.Error(err))
				return
			}
			succeeded.Add(1)
		})
	}
	pool.StopAndWait()

	result := CycleResult{
		Total:     len(flags),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}
	logger.InfoCtx(ctx, "Cleanliness sweep completed",
		zap.Duration("duration", s.clock.Since(startTime)),
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))

	return result, nil
}
