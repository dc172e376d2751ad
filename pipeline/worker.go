package pipeline

import (
	"context"

	"github.com/NIAGADS/niagads-pylib-sub000/etl"
	"golang.org/x/sync/errgroup"
)

// taskDescriptor carries everything a worker needs to execute one task.
// It is plain data, resolvable without reference to the launching
// goroutine's state.
type taskDescriptor struct {
	Stage string
	Task  TaskConfig
	Mode  etl.Mode
	Scope map[string]any
}

// runTaskWorker consumes descriptors until the channel closes. A failed
// task is recorded but the worker keeps draining, so queued siblings
// still run; the first failure is reported once the stage ends.
func runTaskWorker(ctx context.Context, m *Manager, work <-chan taskDescriptor) error {
	var firstErr error
	for td := range work {
		if err := m.runTask(ctx, td); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runStagePool executes a stage's tasks on a bounded worker pool. The
// pool size is the stage's max_concurrency, clamped to the task count;
// unset means one worker per task.
func (m *Manager) runStagePool(ctx context.Context, ps PlannedStage, mode etl.Mode) error {
	workers := ps.Stage.MaxConcurrency
	if workers <= 0 || workers > len(ps.Tasks) {
		workers = len(ps.Tasks)
	}

	work := make(chan taskDescriptor)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error { return runTaskWorker(ctx, m, work) })
	}
	for _, task := range ps.Tasks {
		work <- m.descriptor(ps.Stage.Name, task, mode)
	}
	close(work)
	return g.Wait()
}
