package changefeed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/metrics"
	"github.com/dimagi/casecore/internal/store"
)

// CURSOR_KEY is the key value store entry holding the last relayed journal cursor
const CURSOR_KEY = "changefeed.cursor"

// RelayConfig holds the relay settings
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetryInterval caps the backoff between failed batches
	MaxRetryInterval time.Duration
}

// Relay drains the changes journal to the publisher, at least once and in cursor order
type Relay struct {
	config    RelayConfig
	store     store.Store
	publisher Publisher
}

// NewRelay creates a relay
func NewRelay(cfg RelayConfig, st store.Store, pub Publisher) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = time.Minute
	}
	return &Relay{config: cfg, store: st, publisher: pub}
}

// Run relays batches until the context is cancelled, backing off while the broker or database fails
func (r *Relay) Run(ctx context.Context) error {
	logger.InfoCtx(ctx, "Starting change relay",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.PollInterval
	b.MaxInterval = r.config.MaxRetryInterval
	b.MaxElapsedTime = 0

	for {
		relayed, err := r.RelayOnce(ctx)
		if ctx.Err() != nil {
			logger.InfoCtx(ctx, "Change relay stopped")
			return nil
		}

		wait := r.config.PollInterval
		switch {
		case err != nil:
			wait = b.NextBackOff()
			logger.WarnCtx(ctx, "Change relay failed, retrying", zap.Error(err), zap.Duration("next_retry_in", wait))
		case relayed == r.config.BatchSize:
			// more is waiting
			b.Reset()
			continue
		default:
			b.Reset()
		}

		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Change relay stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// RelayOnce publishes one batch after the stored cursor and advances it past what was published
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	cursor, err := r.Cursor(ctx)
	if err != nil {
		return 0, err
	}

	changes, err := r.store.GetChangesAfter(ctx, cursor, r.config.BatchSize)
	if err != nil {
		return 0, err
	}

	relayed := 0
	var publishErr error
	for _, row := range changes {
		if publishErr = r.publisher.Publish(ctx, ChangeFromJournal(row)); publishErr != nil {
			break
		}
		cursor = row.Cursor
		relayed++
	}

	if relayed > 0 {
		if err := r.store.SetKeyValue(ctx, CURSOR_KEY, strconv.FormatInt(cursor, 10)); err != nil {
			return relayed, fmt.Errorf("failed to save relay cursor: %w", err)
		}
		metrics.ChangesRelayed.Add(float64(relayed))
		logger.DebugCtx(ctx, "Changes relayed", zap.Int("count", relayed), zap.Int64("cursor", cursor))
	}

	return relayed, publishErr
}

// Cursor returns the last relayed journal cursor, zero before the first relay
func (r *Relay) Cursor(ctx context.Context) (int64, error) {
	value, err := r.store.GetKeyValue(ctx, CURSOR_KEY)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, nil
	}

	cursor, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid relay cursor %q: %w", value, err)
	}
	return cursor, nil
}
