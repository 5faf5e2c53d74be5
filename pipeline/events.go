package pipeline

import "github.com/reiner-dolp/taskgraph/internal/task"

// Events is the set of pipeline-wide callbacks spec.md §6 names: a single
// registration point shared by every ExecutionContext the Pipeline drives.
type Events struct {
	// OnTaskDispatch fires just before a task is handed to the pool or
	// run inline.
	OnTaskDispatch func(name string, ctx *ExecutionContext)
	// OnTaskDone fires once a task's result has been recorded.
	OnTaskDone func(name string, t *task.Task, result any, workerIndex int, ctx *ExecutionContext)
	// OnContextTerminated fires when a scheduling step finds the context
	// stopped by ExecutionContext.Stop, or the pipeline stopped by
	// Pipeline.Terminate, before reaching target. Terminate also ends the
	// scheduling loop, so a context with no step running at that moment is
	// dropped without this event.
	OnContextTerminated func(name string, t *task.Task, result any, workerIndex int, ctx *ExecutionContext)
}

func (e Events) taskDispatch(name string, ctx *ExecutionContext) {
	if e.OnTaskDispatch != nil {
		e.OnTaskDispatch(name, ctx)
	}
}

func (e Events) taskDone(name string, t *task.Task, result any, workerIndex int, ctx *ExecutionContext) {
	if e.OnTaskDone != nil {
		e.OnTaskDone(name, t, result, workerIndex, ctx)
	}
}

func (e Events) contextTerminated(name string, t *task.Task, result any, workerIndex int, ctx *ExecutionContext) {
	if e.OnContextTerminated != nil {
		e.OnContextTerminated(name, t, result, workerIndex, ctx)
	}
}
