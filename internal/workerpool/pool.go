// Package workerpool implements the Worker Pool of spec.md §4.3: a fixed
// set of isolated workers (here, goroutines with private inboxes and no
// shared memory beyond what a dispatch message explicitly moves), FIFO
// admission of tasks onto a wait queue, and the stall detector that turns
// a would-be silent deadlock over neutered buffers into a fatal error.
package workerpool

import (
	"runtime"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/reiner-dolp/taskgraph/internal/codec"
	"github.com/reiner-dolp/taskgraph/internal/task"
	"github.com/reiner-dolp/taskgraph/internal/workerhost"
)

// NumberOfCPUs reports the default worker count spec.md §4.3 calls "the
// reported hardware concurrency".
func NumberOfCPUs() int {
	return runtime.NumCPU()
}

// Options configures a new Pool.
type Options struct {
	// WorkerCount is the number of workers to spawn. Zero or negative
	// selects NumberOfCPUs().
	WorkerCount int
	Registry    *codec.Registry
	// LookupTable is the default lookup every worker's Host starts with.
	LookupTable []task.LookupBase
	// Resolver resolves LateStaticBinding placeholders left in a task's
	// arguments at run time.
	Resolver task.VariableResolver
	Logger   hclog.Logger
	Events   Events
}

// Pool is a fixed-size set of isolated workers plus the FIFO wait queue
// and stall detector of spec.md §4.3. The zero value is not usable; use
// New.
type Pool struct {
	mu sync.Mutex

	log      hclog.Logger
	registry *codec.Registry
	events   Events

	inboxes   []chan dispatchEnvelope
	resultsCh chan resultEnvelope
	stopCh    chan struct{}
	workers   *errgroup.Group

	idle       []bool
	waitQueue  []*task.Task
	terminated bool
}

// New spawns opts.WorkerCount isolated workers (each sent a one-time init
// message per spec.md §4.3, folded here into its Host's construction) and
// starts the pool's single dispatch loop.
func New(opts Options) *Pool {
	n := opts.WorkerCount
	if n <= 0 {
		n = NumberOfCPUs()
	}
	log := opts.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}

	p := &Pool{
		log:       log.Named("workerpool"),
		registry:  opts.Registry,
		events:    opts.Events,
		resultsCh: make(chan resultEnvelope, n),
		stopCh:    make(chan struct{}),
		idle:      make([]bool, n),
		workers:   new(errgroup.Group),
	}

	for i := 0; i < n; i++ {
		p.idle[i] = true
		host := workerhost.NewHost(i, opts.Registry, opts.LookupTable, opts.Resolver, log)
		inbox := make(chan dispatchEnvelope, 1)
		p.inboxes = append(p.inboxes, inbox)
		p.workers.Go(func() error {
			return p.workerLoop(i, host, inbox)
		})
	}

	go p.dispatchLoop()
	return p
}

// NumberOfCPUs is the pool-level query of spec.md §4.3.
func (p *Pool) NumberOfCPUs() int {
	return NumberOfCPUs()
}

// IsTerminated is the pool-level query of spec.md §4.3.
func (p *Pool) IsTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// RunTask is FIFO admission, per spec.md §4.3: if an idle worker exists
// and t.HasMovedBuffer is false, it is dispatched immediately; otherwise
// it is pushed onto the wait queue.
func (p *Pool) RunTask(t *task.Task) error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return &TerminatedError{}
	}

	idleIdx := p.firstIdleLocked()
	if idleIdx < 0 || t.HasMovedBuffer(p.registry) {
		p.waitQueue = append(p.waitQueue, t)
		p.mu.Unlock()
		p.log.Trace("queued task", "queue_len", len(p.waitQueue))
		return nil
	}

	p.idle[idleIdx] = false
	err := p.dispatchToWorker(idleIdx, t)
	p.mu.Unlock()
	p.log.Debug("dispatched task", "worker", idleIdx)
	return err
}

// Terminate tears down every worker and emits pool_terminated.
// Idempotent: a second call is a no-op.
func (p *Pool) Terminate() {
	if !p.markTerminated() {
		return
	}
	p.shutdown()
	p.events.terminated()
}

// markTerminated flips the terminated flag and reports whether this call
// was the one to do so (false if the pool was already terminated).
func (p *Pool) markTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return false
	}
	p.terminated = true
	return true
}

// shutdown closes every worker's inbox, waits for the worker goroutines to
// drain, and stops the dispatch loop. resultsCh's buffer is sized to the
// worker count, so a worker never blocks trying to post its final result
// here even when shutdown runs on the dispatch loop's own goroutine.
func (p *Pool) shutdown() {
	for _, inbox := range p.inboxes {
		close(inbox)
	}
	_ = p.workers.Wait()
	close(p.stopCh)
}

// dispatchLoop is the pool's single cooperative-controller goroutine: it
// processes exactly one worker completion at a time, so event callbacks
// (OnWorkerDone, OnError) never run concurrently with each other and may
// freely call back into RunTask.
func (p *Pool) dispatchLoop() {
	for {
		select {
		case env := <-p.resultsCh:
			p.handleWorkerCompletion(env)
		case <-p.stopCh:
			return
		}
	}
}

// handleWorkerCompletion applies a worker's result, attempts to keep the
// worker busy from the wait queue, runs the stall check, and fires the
// appropriate event -- all for one completed dispatch (spec.md §4.3's
// "On each worker completion...").
func (p *Pool) handleWorkerCompletion(env resultEnvelope) {
	if env.err != nil {
		p.failPool(errors.Wrap(env.err, "workerpool: worker raised an error"))
		return
	}

	for i, buf := range env.res.Backtransfer {
		buf.Attach(env.res.BacktransferBytes[i])
	}
	result, err := p.registry.Unpack(env.res.Result)
	if err != nil {
		p.failPool(errors.Wrap(err, "workerpool: unpacking worker result"))
		return
	}

	p.mu.Lock()
	p.idle[env.workerIndex] = true
	dispatched, dispatchErr := p.tryDispatchNextLocked(env.workerIndex)
	var stall bool
	if !dispatched {
		stall = len(p.waitQueue) > 0 && p.allWaitingHaveMovedBuffersLocked() && p.noWorkerBusyLocked()
	}
	p.mu.Unlock()

	if dispatchErr != nil {
		p.failPool(errors.Wrap(dispatchErr, "workerpool: dispatching next waiting task"))
		return
	}
	if stall {
		p.log.Warn("stall detected", "wait_queue_len", len(p.waitQueue))
		p.events.error(&StallError{})
		return
	}

	p.log.Debug("worker done", "worker", env.workerIndex)
	p.events.workerDone(result, env.t, env.workerIndex)
}

// failPool marks the pool terminated and surfaces err fatally, matching
// spec.md §7: worker errors are not demoted to a failed-task outcome, they
// abort the pool.
func (p *Pool) failPool(err error) {
	if !p.markTerminated() {
		return
	}
	p.log.Error("pool failed", "error", err)
	p.shutdown()
	p.events.error(err)
}
