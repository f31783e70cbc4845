package graph

import "container/heap"

func (g *Graph) validateAcyclic() error {
	if len(g.topoOrderIndices()) == len(g.nodes) {
		return nil
	}
	return cycleError(g.findCycle())
}

// readyQueue pops the smallest node index first.
type readyQueue []int

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return q[i] < q[j] }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)        { *q = append(*q, x.(int)) }
func (q *readyQueue) Pop() any {
	last := (*q)[len(*q)-1]
	*q = (*q)[:len(*q)-1]
	return last
}

// topoOrderIndices runs Kahn's algorithm, always releasing the lowest ready
// index, so the order depends only on the graph. On a cyclic graph the
// result is shorter than the node count.
func (g *Graph) topoOrderIndices() []int {
	remaining := append([]int(nil), g.indeg...)
	q := &readyQueue{}
	for i, d := range remaining {
		if d == 0 {
			*q = append(*q, i)
		}
	}
	heap.Init(q)

	order := make([]int, 0, len(remaining))
	for q.Len() > 0 {
		n := heap.Pop(q).(int)
		order = append(order, n)
		for _, m := range g.outgoing[n] {
			if remaining[m]--; remaining[m] == 0 {
				heap.Push(q, m)
			}
		}
	}
	return order
}

// findCycle returns one cycle as a closed path (first == last). Roots and
// successors are explored in index order, which makes the witness stable.
func (g *Graph) findCycle() []NodeID {
	const (
		unvisited = iota
		onPath
		done
	)
	mark := make([]int, len(g.nodes))
	var path []int

	var walk func(u int) []int
	walk = func(u int) []int {
		mark[u] = onPath
		path = append(path, u)
		for _, v := range g.outgoing[u] {
			switch mark[v] {
			case onPath:
				for i, p := range path {
					if p == v {
						return append(append([]int(nil), path[i:]...), v)
					}
				}
			case unvisited:
				if c := walk(v); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		mark[u] = done
		return nil
	}

	for i := range g.nodes {
		if mark[i] != unvisited {
			continue
		}
		if c := walk(i); c != nil {
			out := make([]NodeID, len(c))
			for j, idx := range c {
				out[j] = g.nodes[idx].ID
			}
			return out
		}
	}
	return nil
}
