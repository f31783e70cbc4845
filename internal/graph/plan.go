package graph

import (
	"fmt"
	"sort"

	"wmonorepo/internal/pipeline"
	"wmonorepo/internal/workspace"
)

type planKey struct {
	ws   string
	task string
}

type planner struct {
	set      *workspace.Set
	pipeline pipeline.Pipeline

	nodes map[NodeID]Node
	edges map[Edge]struct{}
	// expanded marks nodes whose dependencies have been added.
	expanded map[NodeID]bool
}

// Plan builds the graph for running task in the selected workspaces.
//
// A "^dep" entry in a task's dependsOn adds dep in every internal dependency
// workspace; a plain "dep" adds dep in the same workspace. A workspace that
// does not define a referenced task is passed through: its own dependencies
// for that task are wired to the dependent instead, so ordering across it
// is preserved.
func Plan(set *workspace.Set, selected []workspace.Workspace, p pipeline.Pipeline, task string) (*Graph, error) {
	pl := &planner{
		set:      set,
		pipeline: p,
		nodes:    make(map[NodeID]Node),
		edges:    make(map[Edge]struct{}),
		expanded: make(map[NodeID]bool),
	}

	for _, ws := range selected {
		if !ws.HasTask(task) {
			continue
		}
		pl.visit(ws, task)
	}
	if len(pl.nodes) == 0 {
		return nil, invalidf("no workspace defines task %q", task)
	}

	nodes := make([]Node, 0, len(pl.nodes))
	for _, n := range pl.nodes {
		nodes = append(nodes, n)
	}
	edges := make([]Edge, 0, len(pl.edges))
	for e := range pl.edges {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	g, err := New(nodes, edges)
	if err != nil {
		return nil, fmt.Errorf("plan %q: %w", task, err)
	}
	return g, nil
}

func (pl *planner) visit(ws workspace.Workspace, task string) NodeID {
	id := MakeID(ws.Name, task)
	if _, ok := pl.nodes[id]; !ok {
		pl.nodes[id] = Node{ID: id, Workspace: ws, Task: task, Config: pl.pipeline.Task(task)}
	}
	if pl.expanded[id] {
		return id
	}
	pl.expanded[id] = true

	for _, dep := range pl.dependencies(ws, task, map[planKey]bool{}) {
		pl.edges[Edge{From: dep, To: id}] = struct{}{}
	}
	return id
}

// dependencies resolves the direct dependencies of (ws, task) to concrete
// nodes, passing through workspaces that lack a referenced task.
func (pl *planner) dependencies(ws workspace.Workspace, task string, seen map[planKey]bool) []NodeID {
	var out []NodeID
	for _, d := range pl.pipeline.Task(task).Dependencies() {
		if d.Upstream {
			for _, up := range pl.set.InternalDependencies(ws) {
				out = append(out, pl.resolve(up, d.Task, seen)...)
			}
			continue
		}
		out = append(out, pl.resolve(ws, d.Task, seen)...)
	}
	return out
}

func (pl *planner) resolve(ws workspace.Workspace, task string, seen map[planKey]bool) []NodeID {
	if ws.HasTask(task) {
		return []NodeID{pl.visit(ws, task)}
	}
	k := planKey{ws: ws.Name, task: task}
	if seen[k] {
		return nil
	}
	seen[k] = true
	return pl.dependencies(ws, task, seen)
}
