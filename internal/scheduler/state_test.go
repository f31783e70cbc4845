package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmonorepo/internal/graph"
)

func chain(t *testing.T) *graph.Graph {
	t.Helper()
	a, b, c, d := graph.MakeID("a", "build"), graph.MakeID("b", "build"), graph.MakeID("c", "build"), graph.MakeID("d", "build")
	g, err := graph.New(
		[]graph.Node{{ID: d}, {ID: c}, {ID: b}, {ID: a}},
		[]graph.Edge{{From: a, To: b}, {From: b, To: c}},
	)
	require.NoError(t, err)
	return g
}

func TestTransition(t *testing.T) {
	g := chain(t)
	id := graph.MakeID("a", "build")

	t.Run("allowed path", func(t *testing.T) {
		st := newExecutionState(g)
		require.NoError(t, Transition(st, id, TaskPending, TaskRunning))
		require.NoError(t, Transition(st, id, TaskRunning, TaskCached))
		assert.Equal(t, TaskCached, st[id])
	})

	t.Run("stale expectation", func(t *testing.T) {
		st := newExecutionState(g)
		assert.Error(t, Transition(st, id, TaskRunning, TaskCompleted))
		assert.Equal(t, TaskPending, st[id])
	})

	t.Run("terminal states are final", func(t *testing.T) {
		st := newExecutionState(g)
		st[id] = TaskCompleted
		assert.Error(t, Transition(st, id, TaskCompleted, TaskRunning))
	})

	t.Run("pending cannot complete directly", func(t *testing.T) {
		st := newExecutionState(g)
		assert.Error(t, Transition(st, id, TaskPending, TaskCompleted))
	})

	t.Run("unknown node", func(t *testing.T) {
		st := newExecutionState(g)
		assert.Error(t, Transition(st, graph.MakeID("zz", "build"), TaskPending, TaskRunning))
	})
}

func TestFailAndPropagate_SkipsOnlyReachableNodes(t *testing.T) {
	g := chain(t)
	st := newExecutionState(g)
	a := graph.MakeID("a", "build")
	require.NoError(t, Transition(st, a, TaskPending, TaskRunning))

	skipped, err := FailAndPropagate(g, st, a)
	require.NoError(t, err)
	assert.Equal(t, []graph.NodeID{"b#build", "c#build"}, skipped)
	assert.Equal(t, TaskFailed, st[a])
	assert.Equal(t, TaskPending, st[graph.MakeID("d", "build")])
}

func TestFailAndPropagate_RunningDependentIsViolation(t *testing.T) {
	g := chain(t)
	st := newExecutionState(g)
	st[graph.MakeID("a", "build")] = TaskRunning
	st[graph.MakeID("b", "build")] = TaskRunning

	_, err := FailAndPropagate(g, st, graph.MakeID("a", "build"))
	assert.Error(t, err)
}

func TestReadyNodes_WaitForSuccessfulDependencies(t *testing.T) {
	g := chain(t)
	st := newExecutionState(g)
	assert.Equal(t, []graph.NodeID{"a#build", "d#build"}, ReadyNodes(g, st))

	st[graph.MakeID("a", "build")] = TaskCached
	assert.Equal(t, []graph.NodeID{"d#build", "b#build"}, ReadyNodes(g, st))

	st[graph.MakeID("b", "build")] = TaskFailed
	st[graph.MakeID("d", "build")] = TaskCompleted
	assert.Empty(t, ReadyNodes(g, st))
}

func TestSkipPending(t *testing.T) {
	g := chain(t)
	st := newExecutionState(g)
	st[graph.MakeID("a", "build")] = TaskCompleted

	skipped := SkipPending(st)
	assert.Equal(t, []graph.NodeID{"b#build", "c#build", "d#build"}, skipped)
	assert.Equal(t, 3, st.Count(TaskSkipped))
	assert.True(t, IsTerminal(st[graph.MakeID("c", "build")]))
}
