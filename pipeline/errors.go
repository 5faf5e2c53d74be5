package pipeline

import (
	"github.com/pkg/errors"

	"github.com/reiner-dolp/taskgraph/internal/task"
	"github.com/reiner-dolp/taskgraph/internal/workerpool"
)

// ConfigurationError reports a malformed configuration: a dependency
// referenced but not configured, a task description of the wrong shape,
// or an args value that isn't a list (spec.md §7).
type ConfigurationError struct {
	// TaskName is the task whose description is at fault.
	TaskName string
	// DependencyName, when non-empty, is the missing dependency TaskName
	// references.
	DependencyName string
	Reason         string
}

func (e *ConfigurationError) Error() string {
	if e.DependencyName != "" {
		return errors.Errorf("pipeline: task %q depends on %q, which has no task description", e.TaskName, e.DependencyName).Error()
	}
	return errors.Errorf("pipeline: configuration error for task %q: %s", e.TaskName, e.Reason).Error()
}

// CycleError reports that the dependency graph contains a back edge.
type CycleError struct{}

func (e *CycleError) Error() string {
	return "pipeline: dependency graph contains a cycle"
}

// StarvationError reports that a scheduling step found no ready work and
// no in-flight work before the target was reached.
type StarvationError struct {
	Target string
}

func (e *StarvationError) Error() string {
	return errors.Errorf("pipeline: starvation reaching target %q: no leaves and no admitted tasks remain", e.Target).Error()
}

// StallError re-exports workerpool.StallError under the pipeline's public
// error surface.
type StallError = workerpool.StallError

// SerializationError re-exports task.SerializationError.
type SerializationError = task.SerializationError

// LookupError re-exports task.LookupError.
type LookupError = task.LookupError

// WorkerError re-exports task.WorkerError.
type WorkerError = task.WorkerError

// ErrTerminated is returned by Pipeline.Process when it is called after
// Pipeline.Terminate.
type ErrTerminated struct{}

func (e *ErrTerminated) Error() string {
	return "pipeline: operation rejected, pipeline has been terminated"
}
