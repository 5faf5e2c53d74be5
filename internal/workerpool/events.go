package workerpool

import "github.com/reiner-dolp/taskgraph/internal/task"

// Events is the set of callbacks a Pool invokes, matching spec.md §4.3 and
// §6: worker_done, pool_terminated, error. OnWorkerDone and OnError fire
// from the pool's single dispatcher goroutine, never concurrently with each
// other, so such a callback may safely call back into the pool (e.g.
// RunTask from OnWorkerDone to admit the next task). OnTerminated fires on
// the goroutine that called Terminate.
type Events struct {
	// OnWorkerDone fires once per successfully completed dispatch. A
	// dispatch whose worker returned an error, or whose completion trips
	// the stall detector, fires OnError instead.
	OnWorkerDone func(result any, t *task.Task, workerIndex int)
	// OnTerminated fires once, after Terminate has torn down every worker.
	OnTerminated func()
	// OnError fires for a fatal pool-level error: a worker's error wrapped
	// with github.com/pkg/errors (it is not converted to a task.WorkerError
	// and carries no file/line/column location), a failure to unpack a
	// result or dispatch a waiting task, or a StallError from the stall
	// detector. The pool does not attempt recovery; the caller is expected
	// to treat this as terminal.
	OnError func(err error)
}

func (e Events) workerDone(result any, t *task.Task, workerIndex int) {
	if e.OnWorkerDone != nil {
		e.OnWorkerDone(result, t, workerIndex)
	}
}

func (e Events) terminated() {
	if e.OnTerminated != nil {
		e.OnTerminated()
	}
}

func (e Events) error(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}
