package pipeline

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/reiner-dolp/taskgraph/internal/dag"
	"github.com/reiner-dolp/taskgraph/internal/task"
)

// ExecutionContext is one in-flight call to Pipeline.Process: its own
// shrinking copy of the dependency graph, admission queue, and stored
// results, per spec.md §4.6.
type ExecutionContext struct {
	pipeline  *Pipeline
	id        uuid.UUID
	slotIndex int

	graph    *dag.Graph
	target   string
	callback func(result any, err error)

	queue    []string
	admitted map[string]bool
	results  map[string]any
	refCount map[string]int
	inFlight map[string]*task.Task

	stopped atomic.Bool
}

// ID returns the unique identifier assigned to this context when it was
// created, stable for the context's whole lifetime and included in its
// structured log lines for correlation across goroutines.
func (ctx *ExecutionContext) ID() uuid.UUID {
	return ctx.id
}

// Target returns the task id this context is driving toward.
func (ctx *ExecutionContext) Target() string {
	return ctx.target
}

// InFlight returns the ids of tasks this context has dispatched (inline or
// to the pool) but not yet recorded a result for, in no particular order.
// Useful from an OnTaskDispatch/OnTaskDone callback or a Stop'd context to
// see what was still running.
func (ctx *ExecutionContext) InFlight() []string {
	names := make([]string, 0, len(ctx.inFlight))
	for name := range ctx.inFlight {
		names = append(names, name)
	}
	return names
}

// Stop sets a flag observed at the next scheduling step (spec.md §5): any
// task currently in flight is not interrupted, but once its completion (or
// the next externally-triggered step) is observed, the context is torn
// down and a context_terminated event is emitted instead of continuing
// toward its target.
func (ctx *ExecutionContext) Stop() {
	if ctx.stopped.Swap(true) {
		return
	}
	ctx.pipeline.eventsCh <- pipelineEvent{ctx: ctx}
}
