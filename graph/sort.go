// Package graph orders and validates workflow graphs.
package graph

import (
	"container/heap"

	"github.com/petal-labs/flowforge/core"
)

// Sort returns nodes in a deterministic execution order.
//
// With no connections the nodes are returned in their given order. Otherwise
// connections are treated as source→target edges and ordered with Kahn's
// algorithm; among nodes that are ready at the same time, the one listed
// first in nodes runs first. Nodes without any connection are still included.
// A connection from a node to itself never counts as a cycle.
//
// Sort fails with *core.CyclicGraphError when the edges form a cycle.
// The result has no duplicate ids, and ids that only appear in connections
// are dropped.
func Sort(nodes []core.Node, connections []core.Connection) ([]core.Node, error) {
	if len(connections) == 0 {
		return dedupe(nodes), nil
	}

	// Vertex positions: node order first, then endpoints seen only in connections.
	index := make(map[string]int, len(nodes))
	var ids []string
	addVertex := func(id string) int {
		if pos, ok := index[id]; ok {
			return pos
		}
		index[id] = len(ids)
		ids = append(ids, id)
		return len(ids) - 1
	}
	for _, n := range nodes {
		addVertex(n.ID)
	}

	type edge struct{ from, to int }
	seen := make(map[edge]bool, len(connections))
	successors := make([][]int, 0, len(ids))
	var inDegree []int
	grow := func() {
		for len(successors) < len(ids) {
			successors = append(successors, nil)
			inDegree = append(inDegree, 0)
		}
	}
	grow()
	for _, c := range connections {
		from := addVertex(c.FromNodeID)
		to := addVertex(c.ToNodeID)
		grow()
		if from == to {
			continue
		}
		e := edge{from, to}
		if seen[e] {
			continue
		}
		seen[e] = true
		successors[from] = append(successors[from], to)
		inDegree[to]++
	}

	ready := &positionHeap{}
	for pos := range ids {
		if inDegree[pos] == 0 {
			heap.Push(ready, pos)
		}
	}

	order := make([]string, 0, len(ids))
	for ready.Len() > 0 {
		pos := heap.Pop(ready).(int)
		order = append(order, ids[pos])
		for _, next := range successors[pos] {
			inDegree[next]--
			if inDegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(order) < len(ids) {
		var remaining []string
		for pos, id := range ids {
			if inDegree[pos] > 0 {
				remaining = append(remaining, id)
			}
		}
		return nil, &core.CyclicGraphError{Remaining: remaining}
	}

	byID := make(map[string]core.Node, len(nodes))
	for _, n := range nodes {
		if _, ok := byID[n.ID]; !ok {
			byID[n.ID] = n
		}
	}
	out := make([]core.Node, 0, len(byID))
	for _, id := range order {
		if n, ok := byID[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func dedupe(nodes []core.Node) []core.Node {
	seen := make(map[string]bool, len(nodes))
	out := make([]core.Node, 0, len(nodes))
	for _, n := range nodes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out
}

// positionHeap is a min-heap of vertex positions.
type positionHeap []int

func (h positionHeap) Len() int           { return len(h) }
func (h positionHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h positionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *positionHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *positionHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
