package pipeline

import (
	"github.com/pkg/errors"

	"github.com/reiner-dolp/taskgraph/internal/dag"
)

// depReference is one DeferredResult or Await found while scanning a task
// description's command/args, prior to being turned into a graph edge.
type depReference struct {
	from    string
	dep     string
	byValue bool
}

// buildGraph constructs the dependency graph for cfg per spec.md §4.6: a
// vertex per task id, an edge from a task to every dependency named by a
// DeferredResult or Await in its command or args, and a vertex weight
// counting by-value DeferredResult references to it plus one more if its
// own description sets PreserveResultCopy.
func buildGraph(cfg Config) (*dag.Graph, error) {
	g := dag.New()
	for name := range cfg {
		g.AddVertex(name)
	}

	var refs []depReference
	for name, td := range cfg {
		for _, d := range deferredRefs(td) {
			refs = append(refs, depReference{from: name, dep: d.Dep, byValue: !d.PassRef})
		}
		if a, ok := td.Command.(Await); ok {
			refs = append(refs, depReference{from: name, dep: a.Dep})
		}
	}

	for _, r := range refs {
		if !g.HasVertex(r.dep) {
			return nil, &ConfigurationError{TaskName: r.from, DependencyName: r.dep}
		}
		if err := g.AddEdge(r.from, r.dep); err != nil {
			return nil, errors.Wrap(err, "pipeline: building dependency graph")
		}
		if r.byValue {
			g.GetByName(r.dep).Weight++
		}
	}

	for name, td := range cfg {
		if td.PreserveResultCopy {
			g.GetByName(name).Weight++
		}
	}

	return g, nil
}

// deferredRefs collects every DeferredResult found in td's command or args,
// in encounter order (command first, then args).
func deferredRefs(td TaskDescription) []DeferredResult {
	var out []DeferredResult
	if d, ok := td.Command.(DeferredResult); ok {
		out = append(out, d)
	}
	for _, arg := range td.Args {
		if d, ok := arg.(DeferredResult); ok {
			out = append(out, d)
		}
	}
	return out
}
