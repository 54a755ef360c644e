package sweeper

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/projector"
	"github.com/dimagi/casecore/internal/store"
)

// DirtyCaseSweeperConfig holds configuration for the dirty case sweeper
type DirtyCaseSweeperConfig struct {
	BatchSize      int           // Cases rebuilt per cycle
	WorkerPoolSize int           // Concurrent rebuilds
	Interval       time.Duration // Pause between cycles
	Domain         string        // Restricts the sweep to one domain when set
}

// CycleResult counts the outcome of one sweep cycle
type CycleResult struct {
	Total     int
	Succeeded int
	Failed    int
}

// DirtyCaseSweeper rebuilds cases the read path left dirty
type DirtyCaseSweeper struct {
	*loop
	config    DirtyCaseSweeperConfig
	store     store.Store
	projector projector.Projector
	clock     adapter.Clock
}

// NewDirtyCaseSweeper creates a sweeper rebuilding cases whose projection was left dirty
func NewDirtyCaseSweeper(cfg DirtyCaseSweeperConfig, st store.Store, proj projector.Projector, clock adapter.Clock) *DirtyCaseSweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &DirtyCaseSweeper{
		loop:      newLoop("dirty-case-sweeper", cfg.Interval, clock),
		config:    cfg,
		store:     st,
		projector: proj,
		clock:     clock,
	}
}

func (s *DirtyCaseSweeper) Start(ctx context.Context) error {
	return s.run(ctx, func(ctx context.Context) error {
		_, err := s.RunCycle(ctx)
		return err
	})
}

// RunCycle projects one batch of dirty cases
func (s *DirtyCaseSweeper) RunCycle(ctx context.Context) (CycleResult, error) {
	startTime := s.clock.Now()

	caseIDs, err := s.store.ListDirtyCaseIDs(ctx, s.config.Domain, s.config.BatchSize)
	if err != nil {
		return CycleResult{}, fmt.Errorf("failed to list dirty cases: %w", err)
	}
	if len(caseIDs) == 0 {
		logger.DebugCtx(ctx, "No dirty cases")
		return CycleResult{}, nil
	}

	var succeeded, failed atomic.Int32
	pool := pond.NewPool(s.config.WorkerPoolSize, pond.WithQueueSize(len(caseIDs)), pond.WithContext(ctx))
	for _, caseID := range caseIDs {
		pool.Submit(func() {
			if _, err := s.projector.Project(ctx, caseID); err != nil {
				failed.Add(1)
				logger.WarnCtx(ctx, "Dirty case rebuild failed", zap.String("caseID", caseID), zap.Error(err))
				return
			}
			succeeded.Add(1)
		})
	}
	pool.StopAndWait()

	result := CycleResult{
		Total:     len(caseIDs),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}
	logger.InfoCtx(ctx, "Dirty case sweep completed",
		zap.Duration("duration", s.clock.Since(startTime)),
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))

	return result, nil
}
