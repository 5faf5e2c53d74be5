// Package dag implements the directed multigraph that the pipeline scheduler
// uses to represent task dependencies.
//
// Vertices carry neighbour ids rather than direct pointers, so copying and
// removal are plain slice/map operations and no cycle of object references
// ever exists; lookups are by name. An implementation could replace the
// linear neighbour scans with a hash index without changing any of the
// contracts below.
package dag

import (
	"fmt"

	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"
)

// Vertex is one node of a Graph. Out holds the ids of vertices this one
// depends on (must complete first); In holds the ids of vertices that depend
// on this one. Both are ordered and may contain the same id more than once,
// since the graph has multigraph semantics.
type Vertex struct {
	ID     string
	Weight int
	Out    []string
	In     []string
}

// Graph is a directed multigraph keyed by vertex id.
type Graph struct {
	vertices map[string]*Vertex
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{vertices: make(map[string]*Vertex)}
}

// AddVertex adds a vertex with the given id if it doesn't already exist, and
// is a no-op otherwise.
func (g *Graph) AddVertex(id string) *Vertex {
	if v, ok := g.vertices[id]; ok {
		return v
	}
	v := &Vertex{ID: id}
	g.vertices[id] = v
	return v
}

// RemoveVertex deletes the vertex and every edge incident to it, in either
// direction.
func (g *Graph) RemoveVertex(id string) {
	v, ok := g.vertices[id]
	if !ok {
		return
	}
	for _, outID := range v.Out {
		if dst, ok := g.vertices[outID]; ok {
			dst.In = removeOne(dst.In, id)
		}
	}
	for _, inID := range v.In {
		if src, ok := g.vertices[inID]; ok {
			src.Out = removeOne(src.Out, id)
		}
	}
	delete(g.vertices, id)
}

// AddEdge records that u depends on v: it adds v to u's outbound neighbours
// and u to v's inbound neighbours. Multiple calls with the same pair append
// another copy of the edge, per the multigraph invariant.
func (g *Graph) AddEdge(u, v string) error {
	uv, ok := g.vertices[u]
	if !ok {
		return errors.Errorf("dag: addEdge: no such vertex %q", u)
	}
	vv, ok := g.vertices[v]
	if !ok {
		return errors.Errorf("dag: addEdge: no such vertex %q", v)
	}
	uv.Out = append(uv.Out, v)
	vv.In = append(vv.In, u)
	return nil
}

// RemoveEdge removes exactly one copy of the u->v edge, if one exists. It is
// a no-op if no such edge exists.
func (g *Graph) RemoveEdge(u, v string) {
	uv, ok := g.vertices[u]
	if !ok {
		return
	}
	vv, ok := g.vertices[v]
	if !ok {
		return
	}
	if idx := indexOf(uv.Out, v); idx >= 0 {
		uv.Out = append(uv.Out[:idx], uv.Out[idx+1:]...)
	}
	if idx := indexOf(vv.In, u); idx >= 0 {
		vv.In = append(vv.In[:idx], vv.In[idx+1:]...)
	}
}

// HasVertex reports whether a vertex with the given id exists.
func (g *Graph) HasVertex(id string) bool {
	_, ok := g.vertices[id]
	return ok
}

// HasEdge reports whether at least one u->v edge exists.
func (g *Graph) HasEdge(u, v string) bool {
	uv, ok := g.vertices[u]
	if !ok {
		return false
	}
	return indexOf(uv.Out, v) >= 0
}

// GetByName returns the vertex with the given id, or nil if it doesn't
// exist. The returned pointer aliases the graph's own storage; callers
// outside this package should treat it as read-only.
func (g *Graph) GetByName(id string) *Vertex {
	return g.vertices[id]
}

// Len returns the number of vertices in the graph.
func (g *Graph) Len() int {
	return len(g.vertices)
}

// IDs returns every vertex id, in no particular order.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.vertices))
	for id := range g.vertices {
		ids = append(ids, id)
	}
	return ids
}

// GetRoots returns the ids of every vertex with no inbound neighbours
// (nothing depends on it).
func (g *Graph) GetRoots() []string {
	var out []string
	for id, v := range g.vertices {
		if len(v.In) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// GetLeaves returns the ids of every vertex with no outbound neighbours
// (it depends on nothing, so it's immediately ready to run).
func (g *Graph) GetLeaves() []string {
	var out []string
	for id, v := range g.vertices {
		if len(v.Out) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// HasCycle reports whether a full-graph DFS classifies any edge as BACK.
func (g *Graph) HasCycle() bool {
	colors := make(map[string]color, len(g.vertices))
	for id := range g.vertices {
		colors[id] = white
	}
	for id := range g.vertices {
		if colors[id] != white {
			continue
		}
		it := newIterator(g, id, colors)
		for {
			_, class, ok := it.next()
			if !ok {
				break
			}
			if class == Back {
				return true
			}
		}
	}
	return false
}

// Copy returns a deep copy of the graph: separate Vertex values with their
// own Out/In slices, so mutating the copy (as the scheduler does once per
// execution context) never touches the original.
func (g *Graph) Copy() (*Graph, error) {
	raw, err := copystructure.Copy(g.vertices)
	if err != nil {
		return nil, errors.Wrap(err, "dag: copy")
	}
	vertices, ok := raw.(map[string]*Vertex)
	if !ok {
		return nil, fmt.Errorf("dag: copy: unexpected type %T from copystructure", raw)
	}
	return &Graph{vertices: vertices}, nil
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

func removeOne(ss []string, s string) []string {
	if idx := indexOf(ss, s); idx >= 0 {
		return append(ss[:idx], ss[idx+1:]...)
	}
	return ss
}
