package scheduler

import (
	"fmt"
	"sort"

	"wmonorepo/internal/graph"
)

// TaskState is the runtime state of one node during a run. The graph itself
// stays immutable; state lives beside it.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskSkipped   TaskState = "SKIPPED"
	TaskCached    TaskState = "CACHED"
)

// RunPhase is the coarse progress of a run.
type RunPhase string

const (
	PhasePlanning   RunPhase = "planning"
	PhaseScheduling RunPhase = "scheduling"
	PhaseRunning    RunPhase = "running"
	PhaseCompleted  RunPhase = "completed"
	PhaseFailed     RunPhase = "failed"
)

// ExecutionState maps every node of a graph to its current state.
type ExecutionState map[graph.NodeID]TaskState

func newExecutionState(g *graph.Graph) ExecutionState {
	state := make(ExecutionState, g.Len())
	for _, n := range g.Nodes() {
		state[n.ID] = TaskPending
	}
	return state
}

// Count returns how many nodes are in st.
func (s ExecutionState) Count(st TaskState) int {
	n := 0
	for _, v := range s {
		if v == st {
			n++
		}
	}
	return n
}

// IsTerminal reports whether a node in state s is finished.
func IsTerminal(s TaskState) bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCached:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether s satisfies dependents.
func IsSuccessful(s TaskState) bool {
	return s == TaskCompleted || s == TaskCached
}

// Transition moves id from one state to another. The caller names the state
// it expects so that races surface as errors instead of silent overwrites.
func Transition(state ExecutionState, id graph.NodeID, from, to TaskState) error {
	cur, ok := state[id]
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", id, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", id, from, to)
	}
	state[id] = to
	return nil
}

// A node is RUNNING from the moment it is picked up, which covers
// fingerprinting and cache lookup; CACHED is therefore reached from RUNNING.
func isAllowedTransition(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskSkipped
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed || to == TaskCached
	default:
		return false
	}
}

// FailAndPropagate marks id FAILED and every transitive dependent SKIPPED.
// A RUNNING dependent is an invariant violation: it could only have started
// with an unfinished dependency.
func FailAndPropagate(g *graph.Graph, state ExecutionState, id graph.NodeID) ([]graph.NodeID, error) {
	cur, ok := state[id]
	if !ok {
		return nil, fmt.Errorf("unknown node %q", id)
	}
	switch cur {
	case TaskRunning:
		state[id] = TaskFailed
	case TaskFailed:
	default:
		return nil, fmt.Errorf("cannot fail %q from state %s", id, cur)
	}

	var skipped []graph.NodeID
	visited := map[graph.NodeID]bool{id: true}
	queue := append([]graph.NodeID(nil), g.Dependents(id)...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true

		switch state[next] {
		case TaskPending:
			state[next] = TaskSkipped
			skipped = append(skipped, next)
		case TaskRunning:
			return nil, fmt.Errorf("invariant violation: dependent %q is RUNNING while %q failed", next, id)
		}
		queue = append(queue, g.Dependents(next)...)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i] < skipped[j] })
	return skipped, nil
}

// ReadyNodes returns the PENDING nodes whose dependencies all succeeded,
// shallowest first, then by id.
func ReadyNodes(g *graph.Graph, state ExecutionState) []graph.NodeID {
	var ready []graph.NodeID
	for _, n := range g.Nodes() {
		if state[n.ID] != TaskPending {
			continue
		}
		ok := true
		for _, dep := range g.Dependencies(n.ID) {
			if !IsSuccessful(state[dep]) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n.ID)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		di, _ := g.Depth(ready[i])
		dj, _ := g.Depth(ready[j])
		if di != dj {
			return di < dj
		}
		return ready[i] < ready[j]
	})
	return ready
}

// SkipPending marks every remaining PENDING node SKIPPED.
func SkipPending(state ExecutionState) []graph.NodeID {
	var skipped []graph.NodeID
	for id, st := range state {
		if st == TaskPending {
			state[id] = TaskSkipped
			skipped = append(skipped, id)
		}
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i] < skipped[j] })
	return skipped
}
