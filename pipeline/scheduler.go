package pipeline

import (
	"github.com/reiner-dolp/taskgraph/internal/codec"
	"github.com/reiner-dolp/taskgraph/internal/task"
)

// runStep is the scheduling step of spec.md §4.6, invoked once per
// pipelineEvent from the pipeline's single loop goroutine: it applies a
// just-finished task's outcome if one was reported, then admits and
// dispatches every task the shrinking graph's current leaves make ready.
func (ctx *ExecutionContext) runStep(finished *finishedInfo) {
	p := ctx.pipeline

	if ctx.stopped.Load() || p.isStoppedPipelineWide() {
		ctx.terminate(finished)
		return
	}

	if finished != nil {
		ctx.graph.RemoveVertex(finished.name)
		delete(ctx.admitted, finished.name)
		ctx.queue = removeFromQueue(ctx.queue, finished.name)
		delete(ctx.inFlight, finished.name)
		ctx.results[finished.name] = finished.result

		p.log.Debug("task_done", "task", finished.name, "target", ctx.target, "context", ctx.id, "worker", finished.workerIndex)
		p.events.taskDone(finished.name, finished.t, finished.result, finished.workerIndex, ctx)
		p.debugDump(ctx, finished.name, finished.result)
		ctx.garbageCollect(finished.name)

		if finished.name == ctx.target {
			p.mu.Lock()
			p.freeSlotLocked(ctx.slotIndex)
			p.mu.Unlock()
			if ctx.callback != nil {
				ctx.callback(finished.result, nil)
			}
			return
		}
	}

	leaves := ctx.graph.GetLeaves()
	for _, id := range leaves {
		if ctx.admitted[id] {
			continue
		}
		ctx.admitted[id] = true
		ctx.queue = append(ctx.queue, id)
	}

	if len(leaves) == 0 && len(ctx.queue) == 0 {
		p.log.Warn("starvation", "target", ctx.target)
		p.mu.Lock()
		p.freeSlotLocked(ctx.slotIndex)
		p.mu.Unlock()
		if ctx.callback != nil {
			ctx.callback(nil, &StarvationError{Target: ctx.target})
		}
		return
	}

	for len(ctx.queue) > 0 {
		name := ctx.queue[0]
		ctx.queue = ctx.queue[1:]
		if err := ctx.dispatch(name); err != nil {
			p.mu.Lock()
			p.freeSlotLocked(ctx.slotIndex)
			p.mu.Unlock()
			if ctx.callback != nil {
				ctx.callback(nil, err)
			}
			return
		}
	}
}

// terminate frees ctx's slot and emits context_terminated, using the most
// recently finished task (if any) to populate the event the same way
// task_done would have.
func (ctx *ExecutionContext) terminate(finished *finishedInfo) {
	p := ctx.pipeline
	p.mu.Lock()
	p.freeSlotLocked(ctx.slotIndex)
	p.mu.Unlock()

	var name string
	var t *task.Task
	var result any
	workerIndex := -1
	if finished != nil {
		name, t, result, workerIndex = finished.name, finished.t, finished.result, finished.workerIndex
	}
	p.events.contextTerminated(name, t, result, workerIndex, ctx)
}

// isStoppedPipelineWide reports whether Pipeline.Terminate has been
// called.
func (p *Pipeline) isStoppedPipelineWide() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// dispatch resolves name's receiver and arguments, decides single- versus
// pool-dispatch, and hands the built task off accordingly (spec.md §4.6
// step 6).
func (ctx *ExecutionContext) dispatch(name string) error {
	p := ctx.pipeline
	td := p.cfg[name]

	receiver, callableName, directFn := ctx.resolveCommand(td.Command)
	args := ctx.resolveArgs(td.Args)

	var t *task.Task
	if directFn != nil {
		t = task.NewFunc(directFn, args, true)
	} else {
		t = task.New(callableName, args, true)
	}
	if receiver != nil {
		t.SetReceiver(receiver)
	}
	t.SetLookupTable(p.lookupTable)
	t.Data["_is_pipeline_task"] = true
	t.Data["_pipeline_ctx_index"] = ctx.slotIndex
	t.Data["_pipeline_task_name"] = name

	ctx.inFlight[name] = t
	p.log.Debug("task_dispatch", "task", name, "target", ctx.target, "context", ctx.id)
	p.events.taskDispatch(name, ctx)

	useMultithreading := directFn == nil && p.pool != nil && !td.NoMultithreading && !p.matchesNoMultithread(callableName)

	if !useMultithreading {
		_, err := t.Run(p, func(result any, self *task.Task) {
			ctx.runStep(&finishedInfo{name: name, t: self, result: result, workerIndex: -1})
		})
		return err
	}

	for _, d := range deferredRefs(td) {
		if d.PassRef {
			continue
		}
		// The dependency has already finished and left ctx.graph; its
		// weight is read from the pipeline's unmodified graph.
		depVertex := p.graph.GetByName(d.Dep)
		if depVertex == nil || depVertex.Weight <= 1 {
			continue
		}
		if buf, ok := ctx.results[d.Dep].(*codec.Buffer); ok {
			t.RemoveMovable(buf)
		}
	}

	return p.pool.RunTask(t)
}

// resolveCommand implements the receiver/callable-name resolution of
// spec.md §4.6 step 6: a string command has no receiver; a DeferredResult
// command's receiver is the stored result of its dependency, with Then
// naming the method invoked on it (or, if Then is empty, the stored
// result is itself used directly as the callable); an Await command has
// no receiver and names its callable via Then, its dependency existing
// only to order it.
func (ctx *ExecutionContext) resolveCommand(cmd any) (receiver any, callableName string, directFn task.CallableFunc) {
	switch c := cmd.(type) {
	case string:
		return nil, c, nil
	case DeferredResult:
		result := ctx.results[c.Dep]
		if c.Then == "" {
			if fn, ok := result.(task.CallableFunc); ok {
				return nil, "", fn
			}
		}
		return result, c.Then, nil
	case Await:
		return nil, c.Then, nil
	default:
		return nil, "", nil
	}
}

// resolveArgs replaces each DeferredResult argument with the stored result
// of its dependency; every other placeholder (LateStaticBinding,
// AsyncResult) is left for task.Run to resolve.
func (ctx *ExecutionContext) resolveArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if d, ok := a.(DeferredResult); ok {
			out[i] = ctx.results[d.Dep]
			continue
		}
		out[i] = a
	}
	return out
}

// garbageCollect decrements the reference count of every dependency
// finishedName itself referenced, deleting a dependency's stored result
// once no remaining task in this context still needs it.
func (ctx *ExecutionContext) garbageCollect(finishedName string) {
	td := ctx.pipeline.cfg[finishedName]
	deps := make([]string, 0, len(td.Args)+1)
	for _, d := range deferredRefs(td) {
		deps = append(deps, d.Dep)
	}
	if a, ok := td.Command.(Await); ok {
		deps = append(deps, a.Dep)
	}
	for _, dep := range deps {
		if ctx.refCount[dep] <= 0 {
			continue
		}
		ctx.refCount[dep]--
		if ctx.refCount[dep] == 0 {
			delete(ctx.results, dep)
		}
	}
}

func removeFromQueue(queue []string, name string) []string {
	for i, id := range queue {
		if id == name {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}
