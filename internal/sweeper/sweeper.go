package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/logger"
)

// Sweeper defines the interface for sweeper implementations
// Sweepers are long-running background tasks that perform periodic maintenance
//
//go:generate mockgen -source=sweeper.go -destination=../mocks/sweeper.go -package=mocks -mock_names=Sweeper=MockSweeper
type Sweeper interface {
	// Start begins the sweeper's main loop
	// This is a blocking call that runs until the context is canceled
	Start(ctx context.Context) error

	// Stop gracefully stops the sweeper
	// This should wait for any in-progress work to complete
	Stop(ctx context.Context) error

	// Name returns the sweeper's name for logging and identification
	Name() string
}

// loop runs a sweep cycle every interval until cancelled or stopped
type loop struct {
	name     string
	interval time.Duration
	clock    adapter.Clock

	mu        sync.Mutex
	running   bool
	stopChan  chan struct{}
	stoppedCh chan struct{}
}

func newLoop(name string, interval time.Duration, clock adapter.Clock) *loop {
	return &loop{
		name:     name,
		interval: interval,
		clock:    clock,
	}
}

func (l *loop) Name() string {
	return l.name
}

func (l *loop) run(ctx context.Context, cycle func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	l.running = true
	l.stopChan = make(chan struct{})
	l.stoppedCh = make(chan struct{})
	stopChan, stoppedCh := l.stopChan, l.stoppedCh
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		close(stoppedCh)
	}()

	logger.InfoCtx(ctx, "Starting sweeper", zap.String("sweeper", l.name), zap.Duration("interval", l.interval))

	for {
		if err := cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorCtx(ctx, err, zap.String("sweeper", l.name))
		}

		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Sweeper stopping due to context cancellation", zap.String("sweeper", l.name))
			return nil
		case <-stopChan:
			logger.InfoCtx(ctx, "Sweeper stop requested", zap.String("sweeper", l.name))
			return nil
		case <-l.clock.After(l.interval):
		}
	}
}

func (l *loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	stopChan, stoppedCh := l.stopChan, l.stoppedCh
	l.running = false
	l.mu.Unlock()

	close(stopChan)

	select {
	case <-stoppedCh:
		logger.InfoCtx(ctx, "Sweeper stopped gracefully", zap.String("sweeper", l.name))
		return nil
	case <-ctx.Done():
		logger.WarnCtx(ctx, "Sweeper stop interrupted by context timeout", zap.String("sweeper", l.name))
		return ctx.Err()
	}
}
