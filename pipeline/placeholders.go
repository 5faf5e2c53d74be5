package pipeline

import (
	"github.com/reiner-dolp/taskgraph/internal/task"
)

// DeferredResult names a dependency whose stored result is substituted in
// -- spec.md §3 and §6. The stored result itself is passed whether or not
// PassRef is set; PassRef exempts this reference from the dependency's
// weight and from the copy protection the scheduler gives a pool-dispatched
// task's buffer when the result has more than one by-value consumer.
//
// When used as a task's command, the dependency's result becomes the
// receiver and Then names the method resolved on it; with an empty Then
// the result must itself be a task.CallableFunc, which is invoked directly.
type DeferredResult struct {
	Dep     string
	Then    string
	PassRef bool
}

// Await names a dependency that must finish before this task becomes
// admissible, without substituting its result as the receiver or an
// argument -- spec.md §4.6's "Await only in command".
type Await struct {
	Dep  string
	Then string
}

// AsyncResult re-exports task.AsyncResult: the argument-slot marker that
// makes Run inject a completion callback instead of using the callable's
// synchronous return value.
type AsyncResult = task.AsyncResult

// LateStaticBinding re-exports task.LateStaticBinding: a placeholder
// resolved at run time from the pipeline's process-wide variable table.
type LateStaticBinding = task.LateStaticBinding

// RESULT_OF builds a by-value DeferredResult. In an argument position the
// stored result of dep is substituted in directly and then is not used; as
// a task's command, then names the method invoked on that result.
func RESULT_OF(dep string, then string) DeferredResult {
	return DeferredResult{Dep: dep, Then: then}
}

// REFERENCE_TO_RESULT_OF builds a DeferredResult with PassRef set: the
// scheduler will not copy-protect the dependency's movable buffers for
// this task, leaving reference semantics to the callable.
func REFERENCE_TO_RESULT_OF(dep string, then string) DeferredResult {
	return DeferredResult{Dep: dep, Then: then, PassRef: true}
}

// AWAIT builds an ordering-only dependency usable as a task's command.
func AWAIT(dep string, then string) Await {
	return Await{Dep: dep, Then: then}
}

// ASYNC_RESULT marks an argument slot for completion-callback injection.
func ASYNC_RESULT() AsyncResult {
	return AsyncResult{}
}

// ASYNC is an alias for ASYNC_RESULT, matching both spelling conventions
// spec.md §6 lists.
func ASYNC() AsyncResult {
	return AsyncResult{}
}

// VARIABLE builds a LateStaticBinding placeholder resolved at run time.
func VARIABLE(name string) LateStaticBinding {
	return LateStaticBinding{VarName: name}
}
