package temporal

import (
	"context"

	"go.temporal.io/sdk/client"
)

// TemporalOrchestrator starts the background case workflows. client.Client satisfies it;
// tests substitute the generated mock.
//
//go:generate mockgen -source=orchestrator.go -destination=../../mocks/temporal_orchestrator.go -package=mocks -mock_names=TemporalOrchestrator=MockTemporalOrchestrator
type TemporalOrchestrator interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

var _ TemporalOrchestrator = (client.Client)(nil)
