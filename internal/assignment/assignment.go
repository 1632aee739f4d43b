// Package assignment solves the maximum-score bipartite assignment problem
// with the Hungarian algorithm in its O(n^3) potential form. The facade uses
// it for the best one-to-one correspondence between two equal-length
// sequences, where dynamic programming does not apply.
package assignment

import "math"

// Max returns, for an n x n row-major score matrix, the column matched to
// each row so that the total score is maximal. Entries of -Inf mark
// forbidden pairs; ok is false when no complete assignment avoids them,
// in which case the returned matching is meaningless.
func Max(scores []float64, n int) (match []int, ok bool) {
	if n == 0 {
		return nil, true
	}

	// Work on costs (negated scores). Forbidden pairs get a finite penalty
	// larger than any real assignment can accumulate, so the algorithm only
	// picks one if it has no alternative.
	maxAbs := 1.0
	for _, s := range scores {
		if a := math.Abs(s); !math.IsInf(a, 0) && a > maxAbs {
			maxAbs = a
		}
	}
	big := maxAbs * float64(n+1) * 4
	cost := make([]float64, n*n)
	for i, s := range scores {
		if math.IsInf(s, -1) {
			cost[i] = big
		} else {
			cost[i] = -s
		}
	}

	match = minAssign(cost, n)
	for i, j := range match {
		if math.IsInf(scores[i*n+j], -1) {
			return match, false
		}
	}
	return match, true
}

// minAssign is the potentials formulation of the Hungarian algorithm: rows
// are inserted one at a time, each insertion growing an alternating tree of
// tight edges until it reaches a free column.
func minAssign(cost []float64, n int) []int {
	inf := math.Inf(1)
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	colRow := make([]int, n+1) // row currently matched to each column, 0 = free
	way := make([]int, n+1)

	for i := 1; i <= n; i++ {
		colRow[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := range minv {
			minv[j] = inf
		}
		for {
			used[j0] = true
			i0 := colRow[j0]
			delta := inf
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := cost[(i0-1)*n+(j-1)] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[colRow[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if colRow[j0] == 0 {
				break
			}
		}
		// Augment along the alternating path back to the tree root.
		for j0 != 0 {
			j1 := way[j0]
			colRow[j0] = colRow[j1]
			j0 = j1
		}
	}

	match := make([]int, n)
	for j := 1; j <= n; j++ {
		match[colRow[j]-1] = j - 1
	}
	return match
}
