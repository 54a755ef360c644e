package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/logger"
)

const (
	DEFAULT_REBUILD_ATTEMPTS             = 5
	DEFAULT_REBUILD_ACTIVITY_TIMEOUT     = 5 * time.Minute
	DEFAULT_CLEANLINESS_ACTIVITY_TIMEOUT = 10 * time.Minute
)

// RebuildCaseInput names the case to rebuild
type RebuildCaseInput struct {
	CaseID string
	// Ledger also restamps the ledger of the case after the projection
	Ledger bool
}

// RecomputeOwnersInput names the owners whose cleanliness flags are recomputed
type RecomputeOwnersInput struct {
	Domain   string
	OwnerIDs []string
}

// RecomputeOwnersResult reports the outcome per owner
type RecomputeOwnersResult struct {
	Clean  []string
	Dirty  []string
	Failed []string
}

// WorkerCore defines the background workflows of the case engine
//
//go:generate mockgen -source=worker.go -destination=../mocks/worker_core.go -package=mocks -mock_names=WorkerCore=MockCoreWorker
type WorkerCore interface {
	// RebuildCase projects a case left dirty by the read path, retrying transient failures
	RebuildCase(ctx workflow.Context, input RebuildCaseInput) error

	// RecomputeOwnerCleanliness runs a full cleanliness computation for every owner
	RecomputeOwnerCleanliness(ctx workflow.Context, input RecomputeOwnersInput) (*RecomputeOwnersResult, error)
}

type WorkerCoreConfig struct {
	// RebuildAttempts bounds the attempts of a retryable rebuild
	RebuildAttempts int32
	// RebuildActivityTimeout is the start to close timeout of a rebuild activity
	RebuildActivityTimeout time.Duration
	// CleanlinessActivityTimeout is the start to close timeout of a cleanliness computation
	CleanlinessActivityTimeout time.Duration
}

type workerCore struct {
	config   WorkerCoreConfig
	executor Executor
}

// NewWorkerCore creates a new worker core instance
func NewWorkerCore(executor Executor, config WorkerCoreConfig) WorkerCore {
	if config.RebuildAttempts <= 0 {
		config.RebuildAttempts = DEFAULT_REBUILD_ATTEMPTS
	}
	if config.RebuildActivityTimeout <= 0 {
		config.RebuildActivityTimeout = DEFAULT_REBUILD_ACTIVITY_TIMEOUT
	}
	if config.CleanlinessActivityTimeout <= 0 {
		config.CleanlinessActivityTimeout = DEFAULT_CLEANLINESS_ACTIVITY_TIMEOUT
	}
	return &workerCore{
		executor: executor,
		config:   config,
	}
}

func (w *workerCore) RebuildCase(ctx workflow.Context, input RebuildCaseInput) error {
	logger.InfoWf(ctx, "Starting case rebuild", zap.String("caseID", input.CaseID))

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: w.config.RebuildActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    w.config.RebuildAttempts,
			NonRetryableErrorTypes: []string{
				ErrorTypeProjection,
				ErrorTypeLedgerInconsistency,
				ErrorTypeCaseNotFound,
				ErrorTypeNonRetryable,
			},
		},
	})

	if err := workflow.ExecuteActivity(ctx, w.executor.ProjectCase, input.CaseID).Get(ctx, nil); err != nil {
		logger.ErrorWf(ctx, fmt.Errorf("failed to rebuild case: %w", err), zap.String("caseID", input.CaseID))
		return err
	}

	if input.Ledger {
		if err := workflow.ExecuteActivity(ctx, w.executor.RebuildCaseLedger, input.CaseID).Get(ctx, nil); err != nil {
			logger.ErrorWf(ctx, fmt.Errorf("failed to rebuild case ledger: %w", err), zap.String("caseID", input.CaseID))
			return err
		}
	}

	logger.InfoWf(ctx, "Case rebuilt", zap.String("caseID", input.CaseID))
	return nil
}

func (w *workerCore) RecomputeOwnerCleanliness(ctx workflow.Context, input RecomputeOwnersInput) (*RecomputeOwnersResult, error) {
	logger.InfoWf(ctx, "Recomputing owner cleanliness",
		zap.String("domain", input.Domain),
		zap.Strings("ownerIDs", input.OwnerIDs))

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: w.config.CleanlinessActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 2,
		},
	})

	futures := make([]workflow.Future, 0, len(input.OwnerIDs))
	for _, owner := range input.OwnerIDs {
		futures = append(futures, workflow.ExecuteActivity(ctx, w.executor.ComputeOwnerCleanliness, input.Domain, owner))
	}

	result := &RecomputeOwnersResult{}
	for i, f := range futures {
		owner := input.OwnerIDs[i]
		var clean bool
		if err := f.Get(ctx, &clean); err != nil {
			// the owner stays stale and is picked up by the cleanliness sweeper
			logger.ErrorWf(ctx, fmt.Errorf("failed to compute owner cleanliness: %w", err), zap.String("ownerID", owner))
			result.Failed = append(result.Failed, owner)
			continue
		}
		if clean {
			result.Clean = append(result.Clean, owner)
		} else {
			result.Dirty = append(result.Dirty, owner)
		}
	}

	if len(input.OwnerIDs) > 0 && len(result.Failed) == len(input.OwnerIDs) {
		return result, fmt.Errorf("failed to compute cleanliness of %d owners", len(result.Failed))
	}
	return result, nil
}
