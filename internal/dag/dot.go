package dag

import (
	"bufio"
	"fmt"
	"io"
	"sort"
)

// WriteDOT renders g as a Graphviz "dot" digraph: one node per vertex,
// labelled with its id and weight, and one edge per dependency (src depends
// on dst, drawn src -> dst). Vertices and edges are emitted in sorted id
// order so repeated dumps of the same graph diff cleanly.
func WriteDOT(g *Graph, w io.Writer) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString("digraph {\n"); err != nil {
		return err
	}

	ids := g.IDs()
	sort.Strings(ids)

	for _, id := range ids {
		v := g.vertices[id]
		if _, err := fmt.Fprintf(bw, "  %q [label=%q];\n", id, fmt.Sprintf("%s (weight %d)", id, v.Weight)); err != nil {
			return err
		}
	}
	for _, id := range ids {
		v := g.vertices[id]
		out := append([]string(nil), v.Out...)
		sort.Strings(out)
		for _, dst := range out {
			if _, err := fmt.Fprintf(bw, "  %q -> %q;\n", id, dst); err != nil {
				return err
			}
		}
	}

	if _, err := bw.WriteString("}\n"); err != nil {
		return err
	}
	return bw.Flush()
}
