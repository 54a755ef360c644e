package workflows

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/logger"
	"github.com/dimagi/casecore/internal/providers/temporal"
)

// RebuildWorkflowID is the workflow id of the background rebuild of a case
func RebuildWorkflowID(caseID string) string {
	return fmt.Sprintf("rebuild-case-%s", caseID)
}

// CleanlinessWorkflowID is the workflow id of a cleanliness recompute for the owners of one change
func CleanlinessWorkflowID(domainName string, key string) string {
	return fmt.Sprintf("recompute-cleanliness-%s-%s", domainName, key)
}

// Scheduler starts background workflows; it serves as the retry scheduler of the read path
type Scheduler struct {
	orchestrator temporal.TemporalOrchestrator
	taskQueue    string
	worker       WorkerCore
}

// NewScheduler creates a scheduler starting workflows on the task queue
func NewScheduler(orchestrator temporal.TemporalOrchestrator, taskQueue string) *Scheduler {
	return &Scheduler{
		orchestrator: orchestrator,
		taskQueue:    taskQueue,
		worker:       NewWorkerCore(nil, WorkerCoreConfig{}),
	}
}

// ScheduleRebuild starts a RebuildCase workflow unless one is already running for the case
func (s *Scheduler) ScheduleRebuild(ctx context.Context, caseID string) error {
	options := client.StartWorkflowOptions{
		ID:                       RebuildWorkflowID(caseID),
		TaskQueue:                s.taskQueue,
		WorkflowExecutionTimeout: 30 * time.Minute,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}

	run, err := s.orchestrator.ExecuteWorkflow(ctx, options, s.worker.RebuildCase, RebuildCaseInput{CaseID: caseID})
	if err != nil {
		return fmt.Errorf("failed to start rebuild workflow: %w", err)
	}

	if run != nil {
		logger.InfoCtx(ctx, "Rebuild workflow started",
			zap.String("caseID", caseID),
			zap.String("workflow_id", run.GetID()),
			zap.String("run_id", run.GetRunID()))
	}
	return nil
}

// ScheduleCleanliness starts a RecomputeOwnerCleanliness workflow keyed by the change that triggered it
func (s *Scheduler) ScheduleCleanliness(ctx context.Context, domainName string, key string, ownerIDs []string) error {
	if len(ownerIDs) == 0 {
		return nil
	}

	options := client.StartWorkflowOptions{
		ID:                       CleanlinessWorkflowID(domainName, key),
		TaskQueue:                s.taskQueue,
		WorkflowExecutionTimeout: 30 * time.Minute,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}

	run, err := s.orchestrator.ExecuteWorkflow(ctx, options, s.worker.RecomputeOwnerCleanliness,
		RecomputeOwnersInput{Domain: domainName, OwnerIDs: ownerIDs})
	if err != nil {
		return fmt.Errorf("failed to start cleanliness workflow: %w", err)
	}

	if run != nil {
		logger.InfoCtx(ctx, "Cleanliness workflow started",
			zap.String("domain", domainName),
			zap.Strings("ownerIDs", ownerIDs),
			zap.String("workflow_id", run.GetID()))
	}
	return nil
}
