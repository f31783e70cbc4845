// Package graph builds the task dependency graph of a run and orders it.
//
// Nodes are (workspace, task) pairs identified as "workspace#task". Edges
// point from a dependency to its dependent. Node order, adjacency lists and
// the topological order are all canonical: they depend only on node IDs and
// edges, never on insertion order.
package graph

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"

	"wmonorepo/internal/pipeline"
	"wmonorepo/internal/workspace"
)

// NodeID is "workspace#task".
type NodeID string

// MakeID joins a workspace name and task name.
func MakeID(ws, task string) NodeID { return NodeID(ws + "#" + task) }

// Split returns the workspace and task parts of id.
func (id NodeID) Split() (ws, task string) {
	s := string(id)
	i := strings.LastIndex(s, "#")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

// Node is one task in one workspace.
type Node struct {
	ID        NodeID
	Workspace workspace.Workspace
	Task      string
	Config    pipeline.TaskConfig

	index int
}

// Edge says From must complete before To starts.
type Edge struct {
	From NodeID
	To   NodeID
}

type edgeIndex struct {
	from int
	to   int
}

// Graph is an immutable, validated, acyclic task graph.
type Graph struct {
	byID  map[NodeID]*Node
	nodes []*Node // canonical order (by ID)
	edges []edgeIndex

	outgoing [][]int
	incoming [][]int
	indeg    []int
	depth    []int

	hash string
}

// New validates nodes and edges and returns the graph. Duplicate nodes,
// unknown endpoints, self-loops and duplicate edges are ErrInvalidGraph; a
// cycle is ErrCycleFound naming its members.
func New(nodes []Node, edges []Edge) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, invalidf("no tasks")
	}

	byID := make(map[NodeID]*Node, len(nodes))
	ordered := make([]*Node, 0, len(nodes))
	for i := range nodes {
		n := nodes[i]
		if n.ID == "" {
			n.ID = MakeID(n.Workspace.Name, n.Task)
		}
		if _, exists := byID[n.ID]; exists {
			return nil, invalidf("duplicate node: %q", n.ID)
		}
		byID[n.ID] = &n
		ordered = append(ordered, &n)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	for i, n := range ordered {
		n.index = i
	}

	mapped := make([]edgeIndex, 0, len(edges))
	seen := make(map[edgeIndex]struct{}, len(edges))
	for _, e := range edges {
		from, okFrom := byID[e.From]
		to, okTo := byID[e.To]
		if !okFrom {
			return nil, invalidf("edge references unknown node (from): %q", e.From)
		}
		if !okTo {
			return nil, invalidf("edge references unknown node (to): %q", e.To)
		}
		if from == to {
			return nil, cycleError([]NodeID{e.From, e.To})
		}
		pair := edgeIndex{from: from.index, to: to.index}
		if _, exists := seen[pair]; exists {
			return nil, invalidf("duplicate edge: %q -> %q", e.From, e.To)
		}
		seen[pair] = struct{}{}
		mapped = append(mapped, pair)
	}
	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	outgoing := make([][]int, len(ordered))
	incoming := make([][]int, len(ordered))
	indeg := make([]int, len(ordered))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		incoming[e.to] = append(incoming[e.to], e.from)
		indeg[e.to]++
	}

	g := &Graph{
		byID:     byID,
		nodes:    ordered,
		edges:    mapped,
		outgoing: outgoing,
		incoming: incoming,
		indeg:    indeg,
	}
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.depth = g.computeDepth()
	g.hash = g.computeHash()
	return g, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Hash identifies the graph's node set and edges.
func (g *Graph) Hash() string { return g.hash }

// Node looks up a node by ID.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Nodes returns all nodes in canonical order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns all edges in canonical order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].ID, To: g.nodes[e.to].ID})
	}
	return out
}

// Dependencies returns the direct dependencies of id, sorted.
func (g *Graph) Dependencies(id NodeID) []NodeID {
	n, ok := g.byID[id]
	if !ok {
		return nil
	}
	return g.ids(g.incoming[n.index])
}

// Dependents returns the nodes that directly depend on id, sorted.
func (g *Graph) Dependents(id NodeID) []NodeID {
	n, ok := g.byID[id]
	if !ok {
		return nil
	}
	return g.ids(g.outgoing[n.index])
}

// Depth is the length of the longest dependency chain ending at id.
func (g *Graph) Depth(id NodeID) (int, bool) {
	n, ok := g.byID[id]
	if !ok {
		return 0, false
	}
	return g.depth[n.index], true
}

// TopologicalOrder returns every node ID such that each node follows all of
// its dependencies. Ties are broken by ID.
func (g *Graph) TopologicalOrder() []NodeID {
	return g.ids(g.topoOrderIndices())
}

func (g *Graph) ids(idx []int) []NodeID {
	out := make([]NodeID, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.nodes[i].ID)
	}
	return out
}

func (g *Graph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.topoOrderIndices() {
		for _, p := range g.incoming[u] {
			if d := depth[p] + 1; d > depth[u] {
				depth[u] = d
			}
		}
	}
	return depth
}

func (g *Graph) computeHash() string {
	h := sha256.New()
	var buf [8]byte
	writeField := func(data []byte) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(data)))
		h.Write(buf[:])
		h.Write(data)
	}
	writeInt := func(n int) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		writeField(b[:])
	}

	writeInt(len(g.nodes))
	for _, n := range g.nodes {
		writeField([]byte(n.ID))
	}
	writeInt(len(g.edges))
	for _, e := range g.edges {
		writeInt(e.from)
		writeInt(e.to)
	}
	return hex.EncodeToString(h.Sum(nil))
}
