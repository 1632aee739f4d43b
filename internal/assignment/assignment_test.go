package assignment

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bruteForce(scores []float64, n int) ([]int, float64) {
	perm := make([]int, n)
	best := make([]int, n)
	bestScore := math.Inf(-1)
	used := make([]bool, n)
	var rec func(i int, acc float64)
	rec = func(i int, acc float64) {
		if i == n {
			if acc > bestScore {
				bestScore = acc
				copy(best, perm)
			}
			return
		}
		for j := 0; j < n; j++ {
			if used[j] {
				continue
			}
			used[j] = true
			perm[i] = j
			rec(i+1, acc+scores[i*n+j])
			used[j] = false
		}
	}
	rec(0, 0)
	return best, bestScore
}

func totalScore(scores []float64, match []int, n int) float64 {
	acc := 0.0
	for i, j := range match {
		acc += scores[i*n+j]
	}
	return acc
}

func TestMaxSmall(t *testing.T) {
	scores := []float64{
		1, 5, 3,
		2, 4, 9,
		8, 2, 1,
	}
	match, ok := Max(scores, 3)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 0}, match)
}

func TestMaxMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 0))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.IntN(6)
		scores := make([]float64, n*n)
		for i := range scores {
			scores[i] = rng.Float64()*10 - 5
		}
		match, ok := Max(scores, n)
		require.True(t, ok)
		_, want := bruteForce(scores, n)
		assert.InDelta(t, want, totalScore(scores, match, n), 1e-9)
	}
}

func TestMaxAvoidsForbiddenPairs(t *testing.T) {
	ninf := math.Inf(-1)
	scores := []float64{
		ninf, 1,
		1, ninf,
	}
	match, ok := Max(scores, 2)
	require.True(t, ok)
	assert.Equal(t, []int{1, 0}, match)
}

func TestMaxReportsInfeasible(t *testing.T) {
	ninf := math.Inf(-1)
	scores := []float64{
		ninf, ninf,
		1, 2,
	}
	_, ok := Max(scores, 2)
	assert.False(t, ok)
}

func TestMaxEmpty(t *testing.T) {
	match, ok := Max(nil, 0)
	assert.True(t, ok)
	assert.Empty(t, match)
}
