// Package projector materializes case projections from their transaction logs.
package projector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/adapter"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/locks"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/metrics"
	"github.com/dimagi/casecore/internal/store"
	"github.com/dimagi/casecore/internal/store/schema"
)

// RetryScheduler queues a background rebuild of a case that timed out
//
//go:generate mockgen -source=projector.go -destination=../mocks/projector.go -package=mocks -mock_names=RetryScheduler=MockRetryScheduler,OwnerScheduler=MockOwnerScheduler,Projector=MockProjector
type RetryScheduler interface {
	ScheduleRebuild(ctx context.Context, caseID string) error
}

// OwnerScheduler is told about owners whose cleanliness flags a saved projection invalidated
type OwnerScheduler interface {
	Schedule(ctx context.Context, domainName string, ownerIDs ...string)
}

// Projector builds case projections
type Projector interface {
	// Project returns the current projection, rebuilding it when the cache is stale.
	// On RebuildTimeout the last good projection, possibly nil, is returned with the error.
	Project(ctx context.Context, caseID string) (*domain.CaseState, error)
	// Rebuild appends a user requested rebuild and projects from scratch
	Rebuild(ctx context.Context, caseID string, userID string) (*domain.CaseState, error)
	// Refresh projects every case, logging failures; failed cases stay dirty
	Refresh(ctx context.Context, caseIDs []string)
}

// Config holds projector settings
type Config struct {
	// RebuildTimeout bounds a single projection, zero disables the bound
	RebuildTimeout time.Duration
}

type projector struct {
	cfg    Config
	store  store.Store
	locker locks.Locker
	json   adapter.JSON
	clock  adapter.Clock
	retry  RetryScheduler
	owners OwnerScheduler
}

// New creates a projector. retry and owners are optional.
func New(cfg Config, st store.Store, locker locks.Locker, json adapter.JSON, clock adapter.Clock, retry RetryScheduler, owners OwnerScheduler) Projector {
	return &projector{
		cfg:    cfg,
		store:  st,
		locker: locker,
		json:   json,
		clock:  clock,
		retry:  retry,
		owners: owners,
	}
}

func (p *projector) Project(ctx context.Context, caseID string) (*domain.CaseState, error) {
	release, err := p.locker.Lock(ctx, store.CaseLockKey(caseID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock case: %w", err)
	}
	defer release()

	return p.project(ctx, caseID)
}

func (p *projector) Rebuild(ctx context.Context, caseID string, userID string) (*domain.CaseState, error) {
	release, err := p.locker.Lock(ctx, store.CaseLockKey(caseID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock case: %w", err)
	}
	defer release()

	if _, err := p.store.AppendRebuildTransaction(ctx, store.AppendRebuildInput{
		CaseID: caseID,
		Type:   domain.TransactionUserRequestedRebuild,
		Detail: domain.RebuildDetail{UserID: userID},
		At:     p.clock.Now(),
	}); err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "User requested rebuild", zap.String("caseID", caseID), zap.String("userID", userID))
	return p.project(ctx, caseID)
}

func (p *projector) Refresh(ctx context.Context, caseIDs []string) {
	for _, caseID := range caseIDs {
		if _, err := p.Project(ctx, caseID); err != nil {
			logger.WarnCtx(ctx, "Failed to refresh case, left dirty",
				zap.String("caseID", caseID),
				zap.Error(err))
		}
	}
}

// project must be called with the case lock held
func (p *projector) project(ctx context.Context, caseID string) (*domain.CaseState, error) {
	start := p.clock.Now()

	row, err := p.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrCaseNotFound, caseID)
	}

	txns, err := p.store.GetCaseTransactions(ctx, caseID, false)
	if err != nil {
		return nil, err
	}
	chain := digests(txns)

	cached, cacheErr := p.decodeCached(row)
	if cacheErr != nil {
		metrics.ChecksumMismatches.Inc()
		logger.WarnCtx(ctx, "Cached projection failed verification, rebuilding",
			zap.String("caseID", caseID),
			zap.Error(cacheErr))

		if _, err := p.store.AppendRebuildTransaction(ctx, store.AppendRebuildInput{
			CaseID: caseID,
			Type:   domain.TransactionRebuildWithReason,
			Detail: domain.RebuildDetail{Reason: domain.CASE_CORRUPTION_REASON},
			At:     p.clock.Now(),
		}); err != nil {
			return nil, err
		}
		if txns, err = p.store.GetCaseTransactions(ctx, caseID, false); err != nil {
			return nil, err
		}
		chain = digests(txns)
		cached = nil
	}

	// Fast path: the cache covers exactly the current log
	if cached != nil && !row.Dirty && row.AppliedCount == len(txns) && lastDigest(chain) == row.AppliedDigest {
		metrics.Projections.WithLabelValues(metrics.PathFast).Inc()
		return cached, nil
	}

	path := metrics.PathFull
	state := newState(caseID, row.Domain)
	pending := txns
	if cached != nil && canExtend(row, txns, chain) {
		path = metrics.PathIncremental
		state = cloneState(cached)
		pending = txns[row.AppliedCount:]
	}

	deadline := start.Add(p.cfg.RebuildTimeout)
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.cfg.RebuildTimeout > 0 && !p.clock.Now().Before(deadline) {
			return p.timedOut(ctx, caseID, cached, context.DeadlineExceeded)
		}
		if err := apply(state, &pending[i]); err != nil {
			metrics.ProjectionErrors.Inc()
			logger.ErrorCtx(ctx, err, zap.String("caseID", caseID))
			return nil, err
		}
	}
	copyDeletion(state, row)

	if err := p.save(ctx, row, state, txns, chain); err != nil {
		return nil, err
	}

	metrics.Projections.WithLabelValues(path).Inc()
	metrics.ProjectionDuration.WithLabelValues(path).Observe(p.clock.Since(start).Seconds())
	logger.DebugCtx(ctx, "Case projected",
		zap.String("caseID", caseID),
		zap.String("path", path),
		zap.Int("applied", len(pending)))

	return state, nil
}

func (p *projector) save(ctx context.Context, row *schema.Case, state *domain.CaseState, txns []schema.CaseTransaction, chain []string) error {
	data, err := p.json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal case state: %w", err)
	}
	checksum, err := p.checksum(state)
	if err != nil {
		return err
	}

	var lastID int64
	if len(txns) > 0 {
		lastID = txns[len(txns)-1].ID
	}

	res, err := p.store.SaveCaseProjection(ctx, store.SaveCaseProjectionInput{
		CaseID:            row.ID,
		State:             data,
		CaseType:          state.CaseType,
		OwnerID:           state.OwnerID,
		Closed:            state.Closed,
		Checksum:          checksum,
		LastTransactionID: lastID,
		AppliedDigest:     lastDigest(chain),
		AppliedCount:      len(txns),
		Indices:           indexRows(state),
		At:                p.clock.Now(),
	})
	if err != nil {
		return err
	}

	if len(res.InvalidatedOwners) > 0 && p.owners != nil {
		p.owners.Schedule(ctx, res.Domain, res.InvalidatedOwners...)
	}
	return nil
}

func (p *projector) timedOut(ctx context.Context, caseID string, lastGood *domain.CaseState, cause error) (*domain.CaseState, error) {
	metrics.RebuildTimeouts.Inc()
	logger.WarnCtx(ctx, "Case rebuild timed out, serving last good projection",
		zap.String("caseID", caseID),
		zap.Bool("hasLastGood", lastGood != nil))

	if p.retry != nil {
		if err := p.retry.ScheduleRebuild(context.WithoutCancel(ctx), caseID); err != nil {
			logger.WarnCtx(ctx, "Failed to schedule rebuild retry", zap.String("caseID", caseID), zap.Error(err))
		}
	}
	return lastGood, &domain.RebuildTimeoutError{CaseID: caseID, Err: cause}
}

// decodeCached returns the cached projection, nil when there is none, or an error when it fails its checksum
func (p *projector) decodeCached(row *schema.Case) (*domain.CaseState, error) {
	if len(row.State) == 0 || row.Checksum == "" {
		return nil, nil
	}

	var state domain.CaseState
	if err := p.json.Unmarshal(row.State, &state); err != nil {
		return nil, fmt.Errorf("undecodable cached state: %w", err)
	}
	checksum, err := p.checksum(&state)
	if err != nil {
		return nil, err
	}
	if checksum != row.Checksum {
		return nil, fmt.Errorf("checksum %s does not match stored %s", checksum, row.Checksum)
	}
	return &state, nil
}

// checksum is the sha256 of the canonical JSON of the state
func (p *projector) checksum(state *domain.CaseState) (string, error) {
	canonical, err := p.json.Canonical(state)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize case state: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canExtend reports whether the cached projection covers a strict prefix of the log
// and the remaining transactions can be applied on top of it
func canExtend(row *schema.Case, txns []schema.CaseTransaction, chain []string) bool {
	n := row.AppliedCount
	if n <= 0 || n >= len(txns) {
		return false
	}
	if chain[n-1] != row.AppliedDigest || txns[n-1].ID != row.LastTransactionID {
		return false
	}
	for _, t := range txns[n:] {
		if t.Type.IsRebuild() {
			return false
		}
	}
	return true
}

func lastDigest(chain []string) string {
	if len(chain) == 0 {
		return ""
	}
	return chain[len(chain)-1]
}
