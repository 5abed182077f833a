// Package monitor exports the state graph and reports campaign progress. It
// only ever reads the graph.
package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/emicklei/dot"

	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// EntryNode is the DOT node id of the session start.
const EntryNode = "entry"

// GraphMonitor renders a graph.
type GraphMonitor struct {
	graph *stategraph.Graph
}

// NewGraphMonitor creates a monitor over g.
func NewGraphMonitor(g *stategraph.Graph) *GraphMonitor {
	return &GraphMonitor{graph: g}
}

// Snapshot copies the graph under its read lock.
func (m *GraphMonitor) Snapshot() stategraph.Snapshot {
	return m.graph.Snapshot()
}

// DOT renders the current graph.
func (m *GraphMonitor) DOT() string {
	return DOT(m.Snapshot())
}

// JSON renders the current graph.
func (m *GraphMonitor) JSON() ([]byte, error) {
	return JSON(m.Snapshot())
}

func nodeID(id stategraph.StateID) string {
	return fmt.Sprintf("s%x", uint64(id))
}

func edgeLabel(tag stategraph.Tag, hits uint64) string {
	if tag == stategraph.NoTag {
		return fmt.Sprintf("x%d", hits)
	}
	return fmt.Sprintf("%s x%d", tag, hits)
}

// DOT renders snap as a Graphviz digraph. States are labelled with their id
// and visit count, edges with tag and hit count.
func DOT(snap stategraph.Snapshot) string {
	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "LR")

	nodes := make(map[stategraph.StateID]dot.Node, len(snap.States))
	for _, s := range snap.States {
		nodes[s.ID] = g.Node(nodeID(s.ID)).
			Attr("label", dot.Literal(fmt.Sprintf(`"%#x\nvisits=%d"`, uint64(s.ID), s.Visits)))
	}

	if len(snap.Entries) > 0 {
		entry := g.Node(EntryNode).Attr("shape", "point")
		for _, e := range snap.Entries {
			g.Edge(entry, nodes[e.Dst], edgeLabel(e.Tag, e.Hits))
		}
	}
	for _, t := range snap.Transitions {
		g.Edge(nodes[t.Src], nodes[t.Dst], edgeLabel(t.Tag, t.Hits))
	}
	return g.String()
}

type jsonNode struct {
	ID         string `json:"id"`
	State      uint64 `json:"state"`
	Generation int    `json:"generation"`
	Visits     uint64 `json:"visits"`
}

type jsonEdge struct {
	Src  string `json:"src"`
	Dst  string `json:"dst"`
	Tag  string `json:"tag,omitempty"`
	Hits uint64 `json:"hits"`
}

type jsonGraph struct {
	Nodes []jsonNode `json:"nodes"`
	Edges []jsonEdge `json:"edges"`
}

// JSON renders snap as {"nodes": [...], "edges": [...]}. Entry edges start at
// the EntryNode id.
func JSON(snap stategraph.Snapshot) ([]byte, error) {
	out := jsonGraph{
		Nodes: make([]jsonNode, 0, len(snap.States)),
		Edges: make([]jsonEdge, 0, len(snap.Entries)+len(snap.Transitions)),
	}
	for _, s := range snap.States {
		out.Nodes = append(out.Nodes, jsonNode{
			ID:         nodeID(s.ID),
			State:      uint64(s.ID),
			Generation: s.Generation,
			Visits:     s.Visits,
		})
	}
	for _, e := range snap.Entries {
		out.Edges = append(out.Edges, jsonEdge{Src: EntryNode, Dst: nodeID(e.Dst), Tag: string(e.Tag), Hits: e.Hits})
	}
	for _, t := range snap.Transitions {
		out.Edges = append(out.Edges, jsonEdge{Src: nodeID(t.Src), Dst: nodeID(t.Dst), Tag: string(t.Tag), Hits: t.Hits})
	}
	return json.MarshalIndent(out, "", "  ")
}

// WriteFile writes data to path through a temporary file so readers never
// see a partial export.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
