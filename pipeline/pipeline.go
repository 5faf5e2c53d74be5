// Package pipeline implements the Pipeline Scheduler of spec.md §4.6: it
// builds a dependency graph from a declarative Config, admits and
// dispatches tasks (inline or to a worker pool) in dependency order, and
// routes completions back into the scheduling step until each
// ExecutionContext's target finishes.
package pipeline

import (
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/reiner-dolp/taskgraph/internal/codec"
	"github.com/reiner-dolp/taskgraph/internal/dag"
	"github.com/reiner-dolp/taskgraph/internal/task"
	"github.com/reiner-dolp/taskgraph/internal/workerpool"
)

// DefaultNoMultithreadPatterns are the regular expressions a resolved
// callable name is checked against to force single-threaded dispatch when
// no explicit Options.NoMultithreadPatterns is given: GPU-suffixed names
// and UI-bound prefixes, per spec.md §4.6.
var DefaultNoMultithreadPatterns = []string{`.*Sync$`, `.*OnGPU$`, `^ui\.`}

// Options configures a new Pipeline.
type Options struct {
	// WorkerCount, when positive, spawns a worker pool with that many
	// workers; a negative value spawns a pool with one worker per CPU.
	// Zero means no pool: every task dispatches inline.
	WorkerCount int
	// LookupTable is the default lookup chain used to resolve callable
	// names, shared by inline dispatch and every pool worker.
	LookupTable []task.LookupBase
	// Variables backs VARIABLE(name) resolution at run time.
	Variables map[string]any
	// NoMultithreadPatterns overrides DefaultNoMultithreadPatterns.
	NoMultithreadPatterns []string
	// MarkerField overrides codec.DefaultMarkerField.
	MarkerField string
	Logger      hclog.Logger
	Events      Events
	// DebugDump is invoked after every task_done, mirroring
	// execgraph.Graph.DebugRepr; the default is a no-op.
	DebugDump func(ctx *ExecutionContext, name string, result any)
}

// Pipeline is the long-lived scheduler built from a Config: it owns the
// dependency graph (built once, by New), the optional worker pool, and
// the slot-indexed set of currently active ExecutionContexts.
type Pipeline struct {
	mu sync.Mutex

	cfg      Config
	graph    *dag.Graph
	registry *codec.Registry
	pool     *workerpool.Pool

	lookupTable      []task.LookupBase
	variables        map[string]any
	noMultithreadRes []*regexp.Regexp
	debugDump        func(ctx *ExecutionContext, name string, result any)

	log    hclog.Logger
	events Events

	activeContexts []*ExecutionContext
	freeSlots      []int

	eventsCh chan pipelineEvent
	stopCh   chan struct{}

	stopped    bool
	terminated bool
}

// pipelineEvent is one unit of work for the pipeline's single scheduling
// goroutine: "re-enter the scheduling step for ctx", optionally carrying a
// just-finished task's outcome.
type pipelineEvent struct {
	ctx      *ExecutionContext
	finished *finishedInfo
}

type finishedInfo struct {
	name        string
	t           *task.Task
	result      any
	workerIndex int
}

// New builds the dependency graph for cfg (rejecting a cyclic
// configuration) and returns a ready-to-use Pipeline. If opts.WorkerCount
// is non-zero a worker pool is spawned; otherwise every task dispatches
// inline.
func New(cfg Config, opts Options) (*Pipeline, error) {
	graph, err := buildGraph(cfg)
	if err != nil {
		return nil, err
	}
	if graph.HasCycle() {
		return nil, &CycleError{}
	}

	registry := codec.NewRegistry(opts.MarkerField)
	codec.RegisterBuiltins(registry)

	log := opts.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}

	patterns := opts.NoMultithreadPatterns
	if patterns == nil {
		patterns = DefaultNoMultithreadPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, errors.Wrapf(err, "pipeline: compiling no-multithread pattern %q", pat)
		}
		compiled = append(compiled, re)
	}

	debugDump := opts.DebugDump
	if debugDump == nil {
		debugDump = func(*ExecutionContext, string, any) {}
	}

	p := &Pipeline{
		cfg:              cfg,
		graph:            graph,
		registry:         registry,
		lookupTable:      opts.LookupTable,
		variables:        opts.Variables,
		noMultithreadRes: compiled,
		debugDump:        debugDump,
		log:              log.Named("pipeline"),
		events:           opts.Events,
		eventsCh:         make(chan pipelineEvent, 16),
		stopCh:           make(chan struct{}),
	}

	if opts.WorkerCount != 0 {
		p.pool = workerpool.New(workerpool.Options{
			WorkerCount: opts.WorkerCount,
			Registry:    registry,
			LookupTable: opts.LookupTable,
			Resolver:    p,
			Logger:      log,
			Events: workerpool.Events{
				OnWorkerDone: p.handlePoolWorkerDone,
				OnError:      p.handlePoolError,
			},
		})
	}

	go p.loop()
	return p, nil
}

// ResolveVariable implements task.VariableResolver by looking up name in
// the pipeline's Variables table, backing VARIABLE(name) placeholders.
func (p *Pipeline) ResolveVariable(name string) (any, error) {
	p.mu.Lock()
	v, ok := p.variables[name]
	p.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("pipeline: no such variable %q", name)
	}
	return v, nil
}

// Process creates an ExecutionContext carrying a fresh copy of the
// dependency graph, records it at the next free activeContexts slot, and
// triggers the first scheduling step. callback is invoked at most once,
// either with the target's result or a fatal error; it is not invoked for
// a context torn down by ExecutionContext.Stop or Pipeline.Terminate.
func (p *Pipeline) Process(target string, callback func(result any, err error)) (*ExecutionContext, error) {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil, &ErrTerminated{}
	}
	if _, ok := p.cfg[target]; !ok {
		p.mu.Unlock()
		return nil, &ConfigurationError{TaskName: target, Reason: "target task has no task description"}
	}

	graphCopy, err := p.graph.Copy()
	if err != nil {
		p.mu.Unlock()
		return nil, errors.Wrap(err, "pipeline: copying dependency graph")
	}

	ctx := &ExecutionContext{
		pipeline:    p,
		id:          uuid.New(),
		graph:       graphCopy,
		target:      target,
		callback:    callback,
		admitted:    make(map[string]bool),
		results:     make(map[string]any),
		refCount:    make(map[string]int),
		inFlight:    make(map[string]*task.Task),
	}
	for _, id := range graphCopy.IDs() {
		if v := graphCopy.GetByName(id); v != nil {
			ctx.refCount[id] = len(v.In)
		}
	}

	ctx.slotIndex = p.allocateSlotLocked(ctx)
	p.mu.Unlock()

	p.eventsCh <- pipelineEvent{ctx: ctx}
	return ctx, nil
}

// allocateSlotLocked records ctx at the next free index in activeContexts,
// reusing a freed index when one is available. Callers must hold p.mu.
func (p *Pipeline) allocateSlotLocked(ctx *ExecutionContext) int {
	if n := len(p.freeSlots); n > 0 {
		idx := p.freeSlots[n-1]
		p.freeSlots = p.freeSlots[:n-1]
		p.activeContexts[idx] = ctx
		return idx
	}
	p.activeContexts = append(p.activeContexts, ctx)
	return len(p.activeContexts) - 1
}

// freeSlotLocked releases ctx's slot for reuse by a future Process call.
// Callers must hold p.mu.
func (p *Pipeline) freeSlotLocked(idx int) {
	p.activeContexts[idx] = nil
	p.freeSlots = append(p.freeSlots, idx)
}

// loop is the pipeline's single cooperative-controller goroutine: every
// scheduling step -- initial admission, inline completion, or pool
// completion -- runs here, one at a time, so dispatch logic never needs
// its own lock.
func (p *Pipeline) loop() {
	for {
		select {
		case ev := <-p.eventsCh:
			ev.ctx.runStep(ev.finished)
		case <-p.stopCh:
			return
		}
	}
}

// handlePoolWorkerDone is registered as the pool's single worker_done
// callback (spec.md §4.6's "Completion handler"): it recovers the
// context and task name from the task's data bag and re-enters the
// scheduling step. Since it runs on the pool's own dispatch goroutine, it
// hands off to the pipeline's loop goroutine via eventsCh rather than
// calling runStep directly.
func (p *Pipeline) handlePoolWorkerDone(result any, t *task.Task, workerIndex int) {
	if isPipelineTask, _ := t.Data["_is_pipeline_task"].(bool); !isPipelineTask {
		return
	}
	idx, _ := t.Data["_pipeline_ctx_index"].(int)
	name, _ := t.Data["_pipeline_task_name"].(string)

	p.mu.Lock()
	var ctx *ExecutionContext
	if idx >= 0 && idx < len(p.activeContexts) {
		ctx = p.activeContexts[idx]
	}
	p.mu.Unlock()
	if ctx == nil {
		return
	}

	p.eventsCh <- pipelineEvent{ctx: ctx, finished: &finishedInfo{
		name: name, t: t, result: result, workerIndex: workerIndex,
	}}
}

// handlePoolError is registered as the pool's error callback. A pool-level
// error (StallError, or a worker's fatal error) aborts every active
// context, per spec.md §7: propagation is fatal with no recovery attempt.
func (p *Pipeline) handlePoolError(err error) {
	p.mu.Lock()
	contexts := make([]*ExecutionContext, 0, len(p.activeContexts))
	for i, ctx := range p.activeContexts {
		if ctx == nil {
			continue
		}
		contexts = append(contexts, ctx)
		p.freeSlotLocked(i)
	}
	p.mu.Unlock()

	for _, ctx := range contexts {
		if ctx.callback != nil {
			ctx.callback(nil, err)
		}
	}
}

// matchesNoMultithread reports whether name matches any configured
// no-multithread pattern.
func (p *Pipeline) matchesNoMultithread(name string) bool {
	for _, re := range p.noMultithreadRes {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Terminate sets the pipeline-wide stop flag, tears down the worker pool,
// and rejects further operations. Idempotent.
func (p *Pipeline) Terminate() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	p.stopped = true
	p.mu.Unlock()

	if p.pool != nil {
		p.pool.Terminate()
	}
	close(p.stopCh)
}

// IsTerminated reports whether Terminate has been called.
func (p *Pipeline) IsTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}
