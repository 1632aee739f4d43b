package dist

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strux-ml/strux/internal/tensor"
)

// enumerateMatchings lists the permutation matrices over unbatched (n, n)
// potentials, skipping forbidden pairs.
func enumerateMatchings(pot *tensor.Tensor) []structure {
	n := pot.Shape()[0]
	used := make([]bool, n)
	match := make([]int, n)
	var out []structure
	var rec func(i int, score float64)
	rec = func(i int, score float64) {
		if i == n {
			ev := tensor.Zeros(pot.Shape())
			for s, t := range match {
				ev.Set(1, s, t)
			}
			out = append(out, structure{ev, score})
			return
		}
		for j := 0; j < n; j++ {
			if used[j] || math.IsInf(pot.At(i, j), -1) {
				continue
			}
			used[j] = true
			match[i] = j
			rec(i+1, score+pot.At(i, j))
			used[j] = false
		}
	}
	rec(0, 0)
	return out
}

func TestMatchingArgmaxMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(81, 0))
	for trial := 0; trial < 20; trial++ {
		pot := randomTensor(rng, tensor.Shape{4, 4})
		d, err := NewMatchingCRF(pot, nil)
		require.NoError(t, err)
		best, err := d.Argmax()
		require.NoError(t, err)
		score, err := d.UnnormalizedLogProb(best)
		require.NoError(t, err)
		assert.InDelta(t, oracleSorted(enumerateMatchings(pot))[0].score, score.At(), 1e-10, "trial %d", trial)
		// The event is a permutation matrix.
		assert.InDelta(t, 4, best.SumAll(), 1e-12)
	}
}

func TestMatchingForbiddenPairsAvoided(t *testing.T) {
	pot := tensor.Zeros(tensor.Shape{3, 3})
	// The diagonal would win, but (0, 0) is forbidden.
	pot.Set(5, 0, 0)
	pot.Set(5, 1, 1)
	pot.Set(5, 2, 2)
	pot.Set(math.Inf(-1), 0, 0)
	d, err := NewMatchingCRF(pot, nil)
	require.NoError(t, err)
	best, err := d.Argmax()
	require.NoError(t, err)
	assert.Equal(t, 0.0, best.At(0, 0))
	score, err := d.UnnormalizedLogProb(best)
	require.NoError(t, err)
	assert.InDelta(t, oracleSorted(enumerateMatchings(pot))[0].score, score.At(), 1e-10)
}

func TestMatchingInfeasible(t *testing.T) {
	// Source 0 has no admissible target.
	pot := tensor.Zeros(tensor.Shape{2, 2})
	pot.Set(math.Inf(-1), 0, 0)
	pot.Set(math.Inf(-1), 0, 1)
	d, err := NewMatchingCRF(pot, nil)
	require.NoError(t, err)
	_, err = d.Argmax()
	assert.ErrorIs(t, err, ErrNumericDomain)
}

func TestMatchingLogCount(t *testing.T) {
	pot := tensor.Zeros(tensor.Shape{4, 4})
	d, err := NewMatchingCRF(pot, nil)
	require.NoError(t, err)
	lc, err := d.LogCount()
	require.NoError(t, err)
	assert.InDelta(t, math.Log(24), lc.At(), 1e-12)

	pot.Set(math.Inf(-1), 1, 2)
	d, err = NewMatchingCRF(pot, nil)
	require.NoError(t, err)
	_, err = d.LogCount()
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
}

func TestMatchingVariableLengths(t *testing.T) {
	rng := rand.New(rand.NewPCG(82, 0))
	pot := randomTensor(rng, tensor.Shape{2, 3, 3})
	d, err := NewMatchingCRF(pot, []int{3, 2})
	require.NoError(t, err)
	best, err := d.Argmax()
	require.NoError(t, err)
	// Entry 1 matches a 2x2 prefix and leaves row and column 2 empty.
	for k := 0; k < 3; k++ {
		assert.Equal(t, 0.0, best.At(1, 2, k))
		assert.Equal(t, 0.0, best.At(1, k, 2))
	}
	sub := tensor.Zeros(tensor.Shape{2, 2})
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			sub.Set(pot.At(1, i, j), i, j)
		}
	}
	score, err := d.UnnormalizedLogProb(best)
	require.NoError(t, err)
	first := pot.Narrow(0, 0, 1).Squeeze(0)
	assert.InDelta(t, oracleSorted(enumerateMatchings(first))[0].score, score.At(0), 1e-10)
	assert.InDelta(t, oracleSorted(enumerateMatchings(sub))[0].score, score.At(1), 1e-10)
}

func TestMatchingUnsupportedQueries(t *testing.T) {
	pot := tensor.Zeros(tensor.Shape{3, 3})
	d, err := NewMatchingCRF(pot, nil)
	require.NoError(t, err)
	_, err = d.LogPartition()
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
	_, err = d.Marginals()
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
	_, err = d.LogMarginals()
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
	_, _, err = d.TopK(2)
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
	_, err = d.Sample(1, 2)
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
	_, err = d.Entropy()
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
	_, err = d.KL(d)
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
}

func TestMatchingRejectsNonSquare(t *testing.T) {
	_, err := NewMatchingCRF(tensor.Zeros(tensor.Shape{3, 4}), nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
