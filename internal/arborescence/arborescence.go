// Package arborescence finds maximum-weight spanning structures on dense
// weighted graphs: Chu-Liu/Edmonds for rooted directed trees and Kruskal
// for undirected ones. Weights are log-potentials, so -Inf marks a
// forbidden edge.
package arborescence

import (
	"math"
	"sort"
)

type edge struct {
	from, to int
	w        float64
	src      int // index into the caller's edge slice
}

// MaxArborescence returns the head of each vertex in the maximum-weight
// arborescence rooted at root, over the (n, n) row-major weight matrix
// w[head*n+dep]. head[root] is -1. ok is false when some vertex cannot be
// reached over finite-weight edges.
func MaxArborescence(w []float64, n, root int) (heads []int, total float64, ok bool) {
	var edges []edge
	for u := 0; u < n; u++ {
		for v := 0; v < n; v++ {
			if u == v || v == root || math.IsInf(w[u*n+v], -1) {
				continue
			}
			edges = append(edges, edge{from: u, to: v, w: w[u*n+v], src: len(edges)})
		}
	}
	chosen, ok := contract(n, root, edges)
	if !ok {
		return nil, math.Inf(-1), false
	}
	heads = make([]int, n)
	heads[root] = -1
	for v, ei := range chosen {
		if v == root {
			continue
		}
		heads[v] = edges[ei].from
		total += edges[ei].w
	}
	return heads, total, true
}

// contract runs one round of best-incoming-edge selection, contracts any
// cycles, recurses on the shrunken graph, and expands the result back. It
// returns, per vertex, the index of its chosen incoming edge.
func contract(n, root int, edges []edge) ([]int, bool) {
	best := make([]int, n)
	for i := range best {
		best[i] = -1
	}
	for i, e := range edges {
		if best[e.to] == -1 || e.w > edges[best[e.to]].w {
			best[e.to] = i
		}
	}
	for v := 0; v < n; v++ {
		if v != root && best[v] == -1 {
			return nil, false
		}
	}

	// Label cycle components by walking the best-edge parent pointers.
	id := make([]int, n)
	mark := make([]int, n)
	for i := range id {
		id[i] = -1
		mark[i] = -1
	}
	comps := 0
	for v := 0; v < n; v++ {
		u := v
		for u != root && id[u] == -1 && mark[u] != v {
			mark[u] = v
			u = edges[best[u]].from
		}
		if u != root && id[u] == -1 && mark[u] == v {
			for x := edges[best[u]].from; x != u; x = edges[best[x]].from {
				id[x] = comps
			}
			id[u] = comps
			comps++
		}
	}
	if comps == 0 {
		res := make([]int, n)
		for v := 0; v < n; v++ {
			if v == root {
				res[v] = -1
			} else {
				res[v] = best[v]
			}
		}
		return res, true
	}
	onCycle := make([]bool, n)
	for v := 0; v < n; v++ {
		if id[v] != -1 {
			onCycle[v] = true
		} else {
			id[v] = comps
			comps++
		}
	}

	// Edges entering a cycle are reweighted by the cycle edge they would
	// displace, the usual Edmonds exchange argument.
	var nedges []edge
	for i, e := range edges {
		if id[e.from] == id[e.to] {
			continue
		}
		nw := e.w
		if onCycle[e.to] {
			nw -= edges[best[e.to]].w
		}
		nedges = append(nedges, edge{from: id[e.from], to: id[e.to], w: nw, src: i})
	}

	sub, ok := contract(comps, id[root], nedges)
	if !ok {
		return nil, false
	}

	res := make([]int, n)
	for i := range res {
		res[i] = -1
	}
	entered := make([]bool, n)
	for c := 0; c < comps; c++ {
		if c == id[root] {
			continue
		}
		e := edges[nedges[sub[c]].src]
		res[e.to] = nedges[sub[c]].src
		entered[e.to] = true
	}
	// Cycle vertices not displaced by an entering edge keep their cycle edge.
	for v := 0; v < n; v++ {
		if v == root || !onCycle[v] || entered[v] {
			continue
		}
		res[v] = best[v]
	}
	return res, true
}

// MaxSpanningTree returns the edges (as head-sorted {u, v} pairs with
// u < v) of the maximum-weight undirected spanning tree over the
// symmetric (n, n) row-major weight matrix. ok is false when the
// finite-weight edges do not connect the graph.
func MaxSpanningTree(w []float64, n int) (pairs [][2]int, total float64, ok bool) {
	type und struct {
		u, v int
		w    float64
	}
	var edges []und
	for u := 0; u < n; u++ {
		for v := u + 1; v < n; v++ {
			if !math.IsInf(w[u*n+v], -1) {
				edges = append(edges, und{u, v, w[u*n+v]})
			}
		}
	}
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].w > edges[j].w })

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(x int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for _, e := range edges {
		ru, rv := find(e.u), find(e.v)
		if ru == rv {
			continue
		}
		parent[ru] = rv
		pairs = append(pairs, [2]int{e.u, e.v})
		total += e.w
	}
	if len(pairs) != n-1 {
		return nil, math.Inf(-1), false
	}
	return pairs, total, true
}
