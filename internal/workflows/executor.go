package workflows

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/cleanliness"
	"github.com/dimagi/casecore/internal/domain"
	"github.com/dimagi/casecore/internal/ledger"
	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/projector"
)

// Application error types reported to Temporal for engine failures that must not be retried
const (
	ErrorTypeProjection          = "ProjectionError"
	ErrorTypeLedgerInconsistency = "LedgerInconsistency"
	ErrorTypeCaseNotFound        = "CaseNotFound"
	ErrorTypeNonRetryable        = "NonRetryable"
	ErrorTypeRebuildTimeout      = "RebuildTimeout"
)

// Executor defines the activities run by the case workers
//
//go:generate mockgen -source=executor.go -destination=../mocks/executor.go -package=mocks -mock_names=Executor=MockExecutor
type Executor interface {
	// ProjectCase brings the cached projection of a case up to date
	ProjectCase(ctx context.Context, caseID string) error

	// RebuildCaseLedger restamps the ledger movements of a case and rewrites its values
	RebuildCaseLedger(ctx context.Context, caseID string) error

	// ComputeOwnerCleanliness runs a full cleanliness computation and reports whether the owner is clean
	ComputeOwnerCleanliness(ctx context.Context, domainName string, ownerID string) (bool, error)
}

type executor struct {
	projector   projector.Projector
	ledger      ledger.Engine
	cleanliness cleanliness.Checker
}

// NewExecutor creates a new executor instance
func NewExecutor(proj projector.Projector, ledgerEngine ledger.Engine, checker cleanliness.Checker) Executor {
	return &executor{
		projector:   proj,
		ledger:      ledgerEngine,
		cleanliness: checker,
	}
}

func (e *executor) ProjectCase(ctx context.Context, caseID string) error {
	state, err := e.projector.Project(ctx, caseID)
	if err != nil {
		return activityError(err)
	}

	logger.InfoCtx(ctx, "Case projected",
		zap.String("caseID", caseID),
		zap.Int64("lastTransactionID", state.LastTransactionID))
	return nil
}

func (e *executor) RebuildCaseLedger(ctx context.Context, caseID string) error {
	values, err := e.ledger.Rebuild(ctx, caseID)
	if err != nil {
		return activityError(err)
	}

	logger.InfoCtx(ctx, "Case ledger rebuilt", zap.String("caseID", caseID), zap.Int("values", len(values)))
	return nil
}

func (e *executor) ComputeOwnerCleanliness(ctx context.Context, domainName string, ownerID string) (bool, error) {
	flag, err := e.cleanliness.ForceFullCheck(ctx, domainName, ownerID)
	if err != nil {
		return false, activityError(err)
	}
	return flag.IsClean, nil
}

// activityError keeps retryable engine errors as they are and marks the rest non retryable
func activityError(err error) error {
	if domain.IsRetryable(err) {
		if errors.Is(err, domain.ErrRebuildTimeout) {
			return temporal.NewApplicationErrorWithCause(err.Error(), ErrorTypeRebuildTimeout, err)
		}
		return err
	}

	errType := ErrorTypeNonRetryable
	switch {
	case errors.Is(err, domain.ErrProjection):
		errType = ErrorTypeProjection
	case errors.Is(err, domain.ErrLedgerInconsistency):
		errType = ErrorTypeLedgerInconsistency
	case errors.Is(err, domain.ErrCaseNotFound):
		errType = ErrorTypeCaseNotFound
	}
	return temporal.NewNonRetryableApplicationError(fmt.Sprintf("activity failed: %v", err), errType, err)
}
