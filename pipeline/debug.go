package pipeline

import (
	"fmt"
	"io"

	"github.com/reiner-dolp/taskgraph/internal/dag"
)

// DOTDebugDump builds an Options.DebugDump that writes the remaining
// dependency graph of ctx, in Graphviz dot form, to w after every task_done
// -- a visual trace of a single Process call shrinking toward its target,
// one snapshot per finished task.
func DOTDebugDump(w io.Writer) func(ctx *ExecutionContext, name string, result any) {
	return func(ctx *ExecutionContext, name string, result any) {
		fmt.Fprintf(w, "// after %q finished: %s\n", name, ctx.pipeline.registry.DebugString(result))
		_ = dag.WriteDOT(ctx.graph, w)
	}
}
