package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIteratorTreeEdges(t *testing.T) {
	g := New()
	for _, id := range []string{"A", "B", "C"} {
		g.AddVertex(id)
	}
	require.NoError(t, g.AddEdge("A", "B"))
	require.NoError(t, g.AddEdge("B", "C"))

	it := NewIterator(g, "A")

	var seen []string
	for {
		id, class, ok := it.Next()
		if !ok {
			break
		}
		assert.Equal(t, Tree, class)
		seen = append(seen, id)
	}
	assert.Equal(t, []string{"A", "B", "C"}, seen)
}

func TestIteratorBackEdgeOnCycle(t *testing.T) {
	g := New()
	g.AddVertex("A")
	g.AddVertex("B")
	require.NoError(t, g.AddEdge("A", "B"))
	require.NoError(t, g.AddEdge("B", "A"))

	it := NewIterator(g, "A")
	var classes []EdgeClass
	for {
		_, class, ok := it.Next()
		if !ok {
			break
		}
		classes = append(classes, class)
	}
	assert.Contains(t, classes, Back)
}

func TestIteratorForwardOrCrossEdge(t *testing.T) {
	// A -> B, A -> C, B -> C: the A->C edge is forward/cross because C is
	// already black by the time it's reached via A (having been fully
	// explored via B).
	g := New()
	g.AddVertex("A")
	g.AddVertex("B")
	g.AddVertex("C")
	require.NoError(t, g.AddEdge("A", "B"))
	require.NoError(t, g.AddEdge("B", "C"))
	require.NoError(t, g.AddEdge("A", "C"))

	it := NewIterator(g, "A")
	var classes []EdgeClass
	for {
		_, class, ok := it.Next()
		if !ok {
			break
		}
		classes = append(classes, class)
	}
	assert.Contains(t, classes, ForwardOrCross)
}

func TestHasCycleIffDFSHasBackEdge(t *testing.T) {
	acyclic := New()
	acyclic.AddVertex("A")
	acyclic.AddVertex("B")
	require.NoError(t, acyclic.AddEdge("A", "B"))
	assert.False(t, acyclic.HasCycle())

	cyclic := New()
	cyclic.AddVertex("A")
	cyclic.AddVertex("B")
	require.NoError(t, cyclic.AddEdge("A", "B"))
	require.NoError(t, cyclic.AddEdge("B", "A"))
	assert.True(t, cyclic.HasCycle())
}

func TestIteratorRestartCoversWholeGraph(t *testing.T) {
	g := New()
	g.AddVertex("A")
	g.AddVertex("B") // disconnected from A

	colors := make(map[string]color)
	var visited []string

	for _, start := range []string{"A", "B"} {
		if colors[start] != white {
			continue
		}
		it := newIterator(g, start, colors)
		for {
			id, _, ok := it.Next()
			if !ok {
				break
			}
			visited = append(visited, id)
		}
	}
	assert.ElementsMatch(t, []string{"A", "B"}, visited)
}
