// Package world builds a static reference graph of the workspace (Go package
// imports and Python module imports) and finds cycles in it.
package world

import (
	"sort"
	"sync"
)

// ReferenceGraph is a directed graph of workspace-relative nodes. For Go a node
// is a package directory; for Python it is a module file.
type ReferenceGraph struct {
	mu    sync.RWMutex
	edges map[string]map[string]struct{}
}

// NewReferenceGraph returns an empty graph.
func NewReferenceGraph() *ReferenceGraph {
	return &ReferenceGraph{edges: make(map[string]map[string]struct{})}
}

// AddNode registers a node with no edges.
func (g *ReferenceGraph) AddNode(n string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[n]; !ok {
		g.edges[n] = make(map[string]struct{})
	}
}

// AddEdge records that from references to.
func (g *ReferenceGraph) AddEdge(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[from]; !ok {
		g.edges[from] = make(map[string]struct{})
	}
	if _, ok := g.edges[to]; !ok {
		g.edges[to] = make(map[string]struct{})
	}
	g.edges[from][to] = struct{}{}
}

// Nodes returns every node, sorted.
func (g *ReferenceGraph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.edges))
	for n := range g.edges {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Edges returns the sorted successors of n.
func (g *ReferenceGraph) Edges(n string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.successors(n)
}

func (g *ReferenceGraph) successors(n string) []string {
	out := make([]string, 0, len(g.edges[n]))
	for m := range g.edges[n] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// EdgeCount returns the number of edges.
func (g *ReferenceGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, succ := range g.edges {
		n += len(succ)
	}
	return n
}

// Cycles returns one representative cycle per strongly connected component
// that contains a cycle, each starting at the component's smallest node.
// Output is deterministic.
func (g *ReferenceGraph) Cycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var cycles [][]string
	for _, scc := range g.components() {
		if len(scc) == 1 {
			n := scc[0]
			if _, self := g.edges[n][n]; self {
				cycles = append(cycles, []string{n})
			}
			continue
		}
		cycles = append(cycles, g.cycleWithin(scc))
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

// components is Tarjan's algorithm over sorted nodes.
func (g *ReferenceGraph) components() [][]string {
	nodes := make([]string, 0, len(g.edges))
	for n := range g.edges {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	index := make(map[string]int, len(nodes))
	low := make(map[string]int, len(nodes))
	onStack := make(map[string]bool, len(nodes))
	var stack []string
	var out [][]string
	next := 0

	var strongConnect func(v string)
	strongConnect = func(v string) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.successors(v) {
			if _, seen := index[w]; !seen {
				strongConnect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] == index[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sort.Strings(scc)
			out = append(out, scc)
		}
	}

	for _, n := range nodes {
		if _, seen := index[n]; !seen {
			strongConnect(n)
		}
	}
	return out
}

// cycleWithin finds a path from the smallest node back to itself using only
// members of scc (breadth first, so the cycle is a shortest one).
func (g *ReferenceGraph) cycleWithin(scc []string) []string {
	member := make(map[string]bool, len(scc))
	for _, n := range scc {
		member[n] = true
	}
	start := scc[0]
	parent := map[string]string{}
	queue := []string{start}
	visited := map[string]bool{start: true}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, w := range g.successors(v) {
			if !member[w] {
				continue
			}
			if w == start {
				path := []string{v}
				for path[len(path)-1] != start {
					path = append(path, parent[path[len(path)-1]])
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			if !visited[w] {
				visited[w] = true
				parent[w] = v
				queue = append(queue, w)
			}
		}
	}
	return scc
}
