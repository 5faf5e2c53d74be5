package dag

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDOTEmitsNodesAndEdges(t *testing.T) {
	g := New()
	g.AddVertex("a")
	g.AddVertex("b")
	require.NoError(t, g.AddEdge("a", "b"))
	g.GetByName("b").Weight = 2

	var buf bytes.Buffer
	require.NoError(t, WriteDOT(g, &buf))

	out := buf.String()
	assert.Contains(t, out, "digraph {")
	assert.Contains(t, out, `"a" -> "b";`)
	assert.Contains(t, out, `"b" [label="b (weight 2)"];`)
}
