// Package cleanliness caches whether an owner's case set is self-contained: no case owned by
// someone else points at one of the owner's cases through an index.
package cleanliness

import (
	"context"
	"fmt"
	"sync"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/metrics"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/store/schema"
)

const (
	DEFAULT_POOL_SIZE  = 4
	DEFAULT_QUEUE_SIZE = 256
)

// Checker defines the cleanliness operations
//
//go:generate mockgen -source=cleanliness.go -destination=../mocks/cleanliness.go -package=mocks -mock_names=Checker=MockCleanlinessChecker
type Checker interface {
	// IsClean returns the cached flag when fresh and recomputes it otherwise.
	// Failures are logged and reported as dirty.
	IsClean(ctx context.Context, domainName string, ownerID string) bool
	// ForceFullCheck recomputes the flag unconditionally
	ForceFullCheck(ctx context.Context, domainName string, ownerID string) (*schema.CleanlinessFlag, error)
	// Invalidate stamps the flags of the owners and schedules a background recompute
	Invalidate(ctx context.Context, domainName string, ownerIDs ...string) error
	// Schedule queues background recomputes without blocking; a full queue drops the request
	Schedule(ctx context.Context, domainName string, ownerIDs ...string)
}

// Config holds the background recomputer settings
type Config struct {
	PoolSize  int
	QueueSize int
}

// Cache is the cleanliness checker with its background recomputer
type Cache struct {
	store store.Store
	clock adapter.Clock
	pool  pond.Pool
	limit int

	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	pending map[string]struct{}
}

// New creates the cache and starts its worker pool. Close stops it.
func New(cfg Config, st store.Store, clock adapter.Clock) *Cache {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DEFAULT_POOL_SIZE
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DEFAULT_QUEUE_SIZE
	}

	return &Cache{
		store:   st,
		clock:   clock,
		pool:    pond.NewPool(cfg.PoolSize, pond.WithQueueSize(cfg.QueueSize)),
		limit:   cfg.QueueSize,
		pending: make(map[string]struct{}),
	}
}

func (c *Cache) IsClean(ctx context.Context, domainName string, ownerID string) bool {
	flag, err := c.store.GetCleanlinessFlag(ctx, domainName, ownerID)
	if err != nil {
		c.failed(ctx, domainName, ownerID, err)
		return false
	}
	if flag != nil && flag.Fresh() {
		return flag.IsClean
	}

	flag, err = c.ForceFullCheck(ctx, domainName, ownerID)
	if err != nil {
		c.failed(ctx, domainName, ownerID, err)
		return false
	}
	return flag.IsClean
}

// ForceFullCheck stamps last_checked with the time the computation started, so an
// invalidation racing with it leaves the flag stale.
func (c *Cache) ForceFullCheck(ctx context.Context, domainName string, ownerID string) (*schema.CleanlinessFlag, error) {
	started := c.clock.Now()

	dependents, err := c.store.FindForeignDependents(ctx, domainName, ownerID, 1)
	if err != nil {
		return nil, err
	}

	clean := len(dependents) == 0
	hint := ""
	if !clean {
		hint = dependents[0]
	}

	flag, err := c.store.SaveCleanlinessFlag(ctx, store.SaveCleanlinessFlagInput{
		Domain:  domainName,
		OwnerID: ownerID,
		IsClean: clean,
		Hint:    hint,
		At:      started,
	})
	if err != nil {
		return nil, err
	}

	result := metrics.ResultClean
	if !clean {
		result = metrics.ResultDirty
	}
	metrics.CleanlinessChecks.WithLabelValues(result).Inc()
	logger.DebugCtx(ctx, "Cleanliness computed",
		zap.String("domain", domainName),
		zap.String("ownerID", ownerID),
		zap.Bool("clean", clean),
		zap.String("hint", flag.Hint))

	return flag, nil
}

func (c *Cache) Invalidate(ctx context.Context, domainName string, ownerIDs ...string) error {
	if len(ownerIDs) == 0 {
		return nil
	}
	if err := c.store.InvalidateCleanliness(ctx, domainName, ownerIDs, c.clock.Now()); err != nil {
		return err
	}
	c.Schedule(ctx, domainName, ownerIDs...)
	return nil
}

func (c *Cache) Schedule(ctx context.Context, domainName string, ownerIDs ...string) {
	bg := context.WithoutCancel(ctx)
	for _, ownerID := range ownerIDs {
		if ownerID == "" {
			continue
		}
		key := domainName + "/" + ownerID

		c.mu.Lock()
		if _, ok := c.pending[key]; ok {
			c.mu.Unlock()
			continue
		}
		if c.closed || len(c.pending) >= c.limit {
			c.mu.Unlock()
			metrics.CleanlinessDropped.Inc()
			logger.WarnCtx(ctx, "Cleanliness recompute dropped",
				zap.String("domain", domainName),
				zap.String("ownerID", ownerID))
			continue
		}
		c.pending[key] = struct{}{}
		c.wg.Add(1)

		// pending holds only tasks that have not started, so the queue never fills
		owner := ownerID
		c.pool.Submit(func() {
			defer c.wg.Done()
			c.started(key)
			if _, err := c.ForceFullCheck(bg, domainName, owner); err != nil {
				c.failed(bg, domainName, owner, err)
			}
		})
		c.mu.Unlock()
	}
}

// Wait blocks until every scheduled recompute finished
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Close stops the pool after the queued recomputes ran; later schedules are dropped
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.pool.StopAndWait()
}

// started lets an owner be scheduled again while its recompute runs
func (c *Cache) started(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Cache) failed(ctx context.Context, domainName string, ownerID string, err error) {
	metrics.CleanlinessChecks.WithLabelValues(metrics.ResultFailure).Inc()
	logger.ErrorCtx(ctx, fmt.Errorf("%w: %w", domain.ErrCleanlinessCheckFailure, err),
		zap.String("domain", domainName),
		zap.String("ownerID", ownerID))
}
