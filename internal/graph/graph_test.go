package graph

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmonorepo/internal/pipeline"
	"wmonorepo/internal/workspace"
)

func node(ws, task string) Node {
	return Node{Workspace: workspace.Workspace{Name: ws}, Task: task}
}

func TestNew_OrderIndependentOfInsertion(t *testing.T) {
	edges := []Edge{
		{From: "a#build", To: "b#build"},
		{From: "b#build", To: "c#build"},
	}
	want := []NodeID{"a#build", "b#build", "c#build"}

	insertions := [][]Node{
		{node("a", "build"), node("b", "build"), node("c", "build")},
		{node("c", "build"), node("b", "build"), node("a", "build")},
		{node("b", "build"), node("c", "build"), node("a", "build")},
	}
	var hashes []string
	for _, nodes := range insertions {
		g, err := New(nodes, []Edge{edges[1], edges[0]})
		require.NoError(t, err)
		if diff := cmp.Diff(want, g.TopologicalOrder()); diff != "" {
			t.Fatalf("order mismatch (-want +got):\n%s", diff)
		}
		hashes = append(hashes, g.Hash())
	}
	assert.Equal(t, hashes[0], hashes[1])
	assert.Equal(t, hashes[0], hashes[2])
}

func TestNew_TopologicalOrderPutsDependenciesFirst(t *testing.T) {
	// z depends on nothing, a depends on z; ID order alone would put a first.
	g, err := New(
		[]Node{node("a", "build"), node("z", "build")},
		[]Edge{{From: "z#build", To: "a#build"}},
	)
	require.NoError(t, err)
	assert.Equal(t, []NodeID{"z#build", "a#build"}, g.TopologicalOrder())
	d, _ := g.Depth("a#build")
	assert.Equal(t, 1, d)
}

func TestNew_RejectsCycle(t *testing.T) {
	_, err := New(
		[]Node{node("a", "build"), node("b", "build"), node("c", "build")},
		[]Edge{
			{From: "a#build", To: "b#build"},
			{From: "b#build", To: "c#build"},
			{From: "c#build", To: "a#build"},
		},
	)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCycleFound))

	var ge *GraphError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, []NodeID{"a#build", "b#build", "c#build", "a#build"}, ge.Cycle)
	assert.Contains(t, err.Error(), "a#build -> b#build -> c#build -> a#build")
}

func TestNew_RejectsInvalidStructure(t *testing.T) {
	_, err := New(nil, nil)
	require.ErrorIs(t, err, ErrInvalidGraph)

	_, err = New([]Node{node("a", "t"), node("a", "t")}, nil)
	require.ErrorIs(t, err, ErrInvalidGraph)

	_, err = New([]Node{node("a", "t")}, []Edge{{From: "a#t", To: "x#t"}})
	require.ErrorIs(t, err, ErrInvalidGraph)

	_, err = New([]Node{node("a", "t"), node("b", "t")}, []Edge{{From: "a#t", To: "b#t"}, {From: "a#t", To: "b#t"}})
	require.ErrorIs(t, err, ErrInvalidGraph)

	_, err = New([]Node{node("a", "t")}, []Edge{{From: "a#t", To: "a#t"}})
	require.ErrorIs(t, err, ErrCycleFound)
}

func TestNodeID_Split(t *testing.T) {
	ws, task := MakeID("@scope/web", "build").Split()
	assert.Equal(t, "@scope/web", ws)
	assert.Equal(t, "build", task)
}

func mustSet(t *testing.T, wss ...workspace.Workspace) *workspace.Set {
	t.Helper()
	s, err := workspace.NewSet(wss)
	require.NoError(t, err)
	return s
}

func TestPlan_UpstreamAndSameWorkspaceDependencies(t *testing.T) {
	ui := workspace.Workspace{Name: "ui", Scripts: map[string]string{"build": "tsc", "codegen": "gen"}}
	web := workspace.Workspace{Name: "web", Dependencies: []string{"react", "ui"}, Scripts: map[string]string{"build": "vite", "codegen": "gen"}}
	set := mustSet(t, ui, web)
	p := pipeline.Pipeline{
		"build":   {DependsOn: []string{"^build", "codegen"}},
		"codegen": {},
	}

	g, err := Plan(set, set.All(), p, "build")
	require.NoError(t, err)

	want := []Edge{
		{From: "ui#build", To: "web#build"},
		{From: "ui#codegen", To: "ui#build"},
		{From: "web#codegen", To: "web#build"},
	}
	if diff := cmp.Diff(want, g.Edges()); diff != "" {
		t.Fatalf("edges mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []NodeID{"ui#codegen", "ui#build", "web#codegen", "web#build"}, g.TopologicalOrder())

	n, ok := g.Node("web#build")
	require.True(t, ok)
	assert.Equal(t, []string{"^build", "codegen"}, n.Config.DependsOn)
	assert.Equal(t, []NodeID{"ui#build", "web#codegen"}, g.Dependencies("web#build"))
	assert.Equal(t, []NodeID{"web#build"}, g.Dependents("ui#build"))
}

func TestPlan_SelectionPullsInUpstreamWorkspaces(t *testing.T) {
	lib := workspace.Workspace{Name: "lib"}
	app := workspace.Workspace{Name: "app", Dependencies: []string{"lib"}}
	set := mustSet(t, lib, app)

	g, err := Plan(set, []workspace.Workspace{app}, pipeline.Pipeline{"build": {DependsOn: []string{"^build"}}}, "build")
	require.NoError(t, err)
	assert.Equal(t, []NodeID{"lib#build", "app#build"}, g.TopologicalOrder())
}

func TestPlan_PassesThroughWorkspacesWithoutTask(t *testing.T) {
	base := workspace.Workspace{Name: "base", Scripts: map[string]string{"build": "x"}}
	types := workspace.Workspace{Name: "types", Dependencies: []string{"base"}, Scripts: map[string]string{"lint": "x"}}
	app := workspace.Workspace{Name: "app", Dependencies: []string{"types"}, Scripts: map[string]string{"build": "x"}}
	set := mustSet(t, base, types, app)

	g, err := Plan(set, set.All(), pipeline.Pipeline{"build": {DependsOn: []string{"^build"}}}, "build")
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, []Edge{{From: "base#build", To: "app#build"}}, g.Edges())
}

func TestPlan_WorkspaceCycleIsRejected(t *testing.T) {
	a := workspace.Workspace{Name: "a", Dependencies: []string{"b"}}
	b := workspace.Workspace{Name: "b", Dependencies: []string{"a"}}
	set := mustSet(t, a, b)

	_, err := Plan(set, set.All(), pipeline.Pipeline{"build": {DependsOn: []string{"^build"}}}, "build")
	require.ErrorIs(t, err, ErrCycleFound)
}

func TestPlan_TaskDefinedNowhere(t *testing.T) {
	ws := workspace.Workspace{Name: "a", Scripts: map[string]string{"build": "x"}}
	set := mustSet(t, ws)
	_, err := Plan(set, set.All(), nil, "deploy")
	require.ErrorIs(t, err, ErrInvalidGraph)
}
