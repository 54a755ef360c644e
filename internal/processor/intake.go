package processor

import (
	"context"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/dimagi/casecore/internal/logger"
)

// Outcome is the result of one job of a batch
type Outcome[T any] struct {
	Index int
	Value T
	Err   error
}

// Intake runs independent submissions on a bounded worker pool
type Intake[T any] struct {
	pool pond.ResultPool[T]
}

// NewIntake creates an intake pool with the given concurrency and queue size
func NewIntake[T any](size int, queueSize int) *Intake[T] {
	if size <= 0 {
		size = 1
	}
	opts := []pond.Option{}
	if queueSize > 0 {
		opts = append(opts, pond.WithQueueSize(queueSize))
	}
	return &Intake[T]{pool: pond.NewResultPool[T](size, opts...)}
}

// Run executes fn for 0..n-1 concurrently and returns the outcomes in index order.
// A failing job does not stop the others.
func (i *Intake[T]) Run(ctx context.Context, n int, fn func(ctx context.Context, index int) (T, error)) []Outcome[T] {
	tasks := make([]pond.Result[T], n)
	for idx := 0; idx < n; idx++ {
		idx := idx
		tasks[idx] = i.pool.SubmitErr(func() (T, error) {
			if err := ctx.Err(); err != nil {
				var zero T
				return zero, err
			}
			return fn(ctx, idx)
		})
	}

	outcomes := make([]Outcome[T], n)
	failed := 0
	for idx, task := range tasks {
		value, err := task.Wait()
		outcomes[idx] = Outcome[T]{Index: idx, Value: value, Err: err}
		if err != nil {
			failed++
		}
	}

	if failed > 0 {
		logger.WarnCtx(ctx, "Batch finished with failures", zap.Int("total", n), zap.Int("failed", failed))
	}
	return outcomes
}

// Close stops the pool after queued jobs finish
func (i *Intake[T]) Close() {
	i.pool.StopAndWait()
}
