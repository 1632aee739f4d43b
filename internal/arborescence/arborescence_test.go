package arborescence

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bruteArborescence enumerates every head assignment and keeps the best
// one that forms a tree rooted at root.
func bruteArborescence(w []float64, n, root int) float64 {
	heads := make([]int, n)
	best := math.Inf(-1)
	var rec func(v int, acc float64)
	rec = func(v int, acc float64) {
		if v == n {
			// Every vertex must reach the root without revisiting.
			for u := 0; u < n; u++ {
				seen := make([]bool, n)
				x := u
				for x != root {
					if seen[x] {
						return
					}
					seen[x] = true
					x = heads[x]
				}
			}
			if acc > best {
				best = acc
			}
			return
		}
		if v == root {
			heads[v] = -1
			rec(v+1, acc)
			return
		}
		for h := 0; h < n; h++ {
			if h == v || math.IsInf(w[h*n+v], -1) {
				continue
			}
			heads[v] = h
			rec(v+1, acc+w[h*n+v])
		}
	}
	rec(0, 0)
	return best
}

func TestMaxArborescencePrefersCycleBreak(t *testing.T) {
	// Vertices 1 and 2 score each other highest, but a tree must break
	// the 1<->2 cycle through the root.
	ninf := math.Inf(-1)
	w := []float64{
		ninf, 1, 1,
		ninf, ninf, 10,
		ninf, 10, ninf,
	}
	heads, total, ok := MaxArborescence(w, 3, 0)
	require.True(t, ok)
	assert.Equal(t, -1, heads[0])
	assert.InDelta(t, 11, total, 1e-12)
	// Exactly one of 1, 2 hangs off the root.
	assert.True(t, (heads[1] == 0) != (heads[2] == 0))
}

func TestMaxArborescenceMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 0))
	for trial := 0; trial < 60; trial++ {
		n := 2 + rng.IntN(4)
		w := make([]float64, n*n)
		for i := range w {
			w[i] = rng.Float64()*6 - 3
		}
		heads, total, ok := MaxArborescence(w, n, 0)
		require.True(t, ok)
		assert.InDelta(t, bruteArborescence(w, n, 0), total, 1e-9)
		check := 0.0
		for v := 1; v < n; v++ {
			check += w[heads[v]*n+v]
		}
		assert.InDelta(t, total, check, 1e-9)
	}
}

func TestMaxArborescenceInfeasible(t *testing.T) {
	ninf := math.Inf(-1)
	w := []float64{
		ninf, ninf,
		ninf, ninf,
	}
	_, _, ok := MaxArborescence(w, 2, 0)
	assert.False(t, ok)
}

func TestMaxSpanningTreeSimple(t *testing.T) {
	// Triangle: drop the lightest edge.
	w := []float64{
		0, 3, 1,
		3, 0, 2,
		1, 2, 0,
	}
	pairs, total, ok := MaxSpanningTree(w, 3)
	require.True(t, ok)
	assert.InDelta(t, 5, total, 1e-12)
	assert.ElementsMatch(t, [][2]int{{0, 1}, {1, 2}}, pairs)
}

func TestMaxSpanningTreeDisconnected(t *testing.T) {
	ninf := math.Inf(-1)
	w := []float64{
		0, 1, ninf,
		1, 0, ninf,
		ninf, ninf, 0,
	}
	_, _, ok := MaxSpanningTree(w, 3)
	assert.False(t, ok)
}
