package dist

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/strux-ml/strux/internal/tensor"
)

func randomTensor(rng *rand.Rand, shape tensor.Shape) *tensor.Tensor {
	out := tensor.New(shape)
	d := out.Data()
	for i := range d {
		d[i] = rng.Float64()*4 - 2
	}
	return out
}

// enumerateChain lists every label sequence of length ln for unbatched
// (T, m, m) potentials.
func enumerateChain(pot *tensor.Tensor, ln int) []structure {
	shape := pot.Shape()
	m := shape[1]
	var out []structure
	seq := make([]int, ln)
	var rec func(t int)
	rec = func(t int) {
		if t == ln {
			ev := tensor.Zeros(shape)
			score := 0.0
			prev := 0
			for i, y := range seq {
				if i == 0 {
					ev.Set(1, 0, 0, y)
					score += pot.At(0, 0, y)
				} else {
					ev.Set(1, i, prev, y)
					score += pot.At(i, prev, y)
				}
				prev = y
			}
			out = append(out, structure{ev, score})
			return
		}
		for y := 0; y < m; y++ {
			seq[t] = y
			rec(t + 1)
		}
	}
	rec(0)
	return out
}

func TestChainLogPartitionMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 0))
	pot := randomTensor(rng, tensor.Shape{4, 3, 3})
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	lp, err := d.LogPartition()
	require.NoError(t, err)
	assert.InDelta(t, oracleLogZ(enumerateChain(pot, 4)), lp.At(), 1e-10)
}

func TestChainMarginals(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 0))
	pot := randomTensor(rng, tensor.Shape{3, 2, 2})
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	marg, err := d.Marginals()
	require.NoError(t, err)
	want := oracleMarginals(enumerateChain(pot, 3), pot.Shape())
	assert.True(t, tensor.AllClose(want, marg, 1e-10), "marginals\n got %v\nwant %v", marg, want)
}

func TestChainArgmaxIsBestStructure(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 0))
	pot := randomTensor(rng, tensor.Shape{4, 3, 3})
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	best, err := d.Argmax()
	require.NoError(t, err)
	score, err := d.UnnormalizedLogProb(best)
	require.NoError(t, err)
	sorted := oracleSorted(enumerateChain(pot, 4))
	assert.InDelta(t, sorted[0].score, score.At(), 1e-10)
	// One transition per step.
	assert.InDelta(t, 4, best.SumAll(), 1e-12)
}

func TestChainTopK(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 0))
	pot := randomTensor(rng, tensor.Shape{3, 3, 3})
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	events, scores, err := d.TopK(5)
	require.NoError(t, err)
	sorted := oracleSorted(enumerateChain(pot, 3))
	for i := 0; i < 5; i++ {
		assert.InDelta(t, sorted[i].score, scores.At(i), 1e-10, "rank %d", i)
		lane := events.Narrow(0, i, 1).Squeeze(0)
		got, err := d.UnnormalizedLogProb(lane)
		require.NoError(t, err)
		assert.InDelta(t, sorted[i].score, got.At(), 1e-10, "rank %d event", i)
	}
	// Events must be pairwise distinct.
	for i := 0; i < 5; i++ {
		for j := i + 1; j < 5; j++ {
			a := events.Narrow(0, i, 1)
			b := events.Narrow(0, j, 1)
			assert.False(t, tensor.AllClose(a, b, 1e-12), "ranks %d and %d coincide", i, j)
		}
	}
}

func TestChainTopKPastSupport(t *testing.T) {
	pot := tensor.Zeros(tensor.Shape{1, 2, 2})
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	// Length-1 chains over 2 labels: exactly 2 structures.
	_, scores, err := d.TopK(4)
	require.NoError(t, err)
	assert.False(t, math.IsInf(scores.At(0), -1))
	assert.False(t, math.IsInf(scores.At(1), -1))
	assert.True(t, math.IsInf(scores.At(2), -1))
	assert.True(t, math.IsInf(scores.At(3), -1))
}

func TestChainEntropy(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 0))
	pot := randomTensor(rng, tensor.Shape{3, 2, 2})
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	h, err := d.Entropy()
	require.NoError(t, err)
	assert.InDelta(t, oracleEntropy(enumerateChain(pot, 3)), h.At(), 1e-10)
}

func TestChainLogCountClosedForm(t *testing.T) {
	// m^n sequences when every potential is finite.
	rng := rand.New(rand.NewPCG(6, 0))
	pot := randomTensor(rng, tensor.Shape{4, 3, 3})
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	lc, err := d.LogCount()
	require.NoError(t, err)
	assert.InDelta(t, 4*math.Log(3), lc.At(), 1e-10)
}

func TestChainForcedSequence(t *testing.T) {
	// Potentials that admit only the label sequence [1, 1, 1].
	pot := tensor.NegInf(tensor.Shape{3, 2, 2})
	pot.Set(0, 0, 0, 1)
	pot.Set(0, 1, 1, 1)
	pot.Set(0, 2, 1, 1)
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)

	lp, err := d.LogPartition()
	require.NoError(t, err)
	assert.InDelta(t, 0, lp.At(), 1e-12)

	lc, err := d.LogCount()
	require.NoError(t, err)
	assert.InDelta(t, 0, lc.At(), 1e-12)

	best, err := d.Argmax()
	require.NoError(t, err)
	assert.Equal(t, 1.0, best.At(0, 0, 1))
	assert.Equal(t, 1.0, best.At(1, 1, 1))
	assert.Equal(t, 1.0, best.At(2, 1, 1))

	h, err := d.Entropy()
	require.NoError(t, err)
	assert.InDelta(t, 0, h.At(), 1e-12)
}

func TestChainLogMarginals(t *testing.T) {
	rng := rand.New(rand.NewPCG(14, 0))
	pot := randomTensor(rng, tensor.Shape{3, 2, 2})
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	lm, err := d.LogMarginals()
	require.NoError(t, err)
	want := oracleMarginals(enumerateChain(pot, 3), pot.Shape()).Log()
	assert.True(t, tensor.AllClose(want, lm, 1e-9), "\n got %v\nwant %v", lm, want)
}

func TestChainLogMarginalsForcedSequence(t *testing.T) {
	// Cells off the single admissible path carry no mass and land at -Inf.
	pot := tensor.NegInf(tensor.Shape{3, 2, 2})
	pot.Set(0, 0, 0, 1)
	pot.Set(0, 1, 1, 1)
	pot.Set(0, 2, 1, 1)
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	lm, err := d.LogMarginals()
	require.NoError(t, err)
	assert.InDelta(t, 0, lm.At(0, 0, 1), 1e-12)
	assert.InDelta(t, 0, lm.At(1, 1, 1), 1e-12)
	assert.InDelta(t, 0, lm.At(2, 1, 1), 1e-12)
	negInf := 0
	for _, v := range lm.Data() {
		if math.IsInf(v, -1) {
			negInf++
		}
	}
	assert.Equal(t, 9, negInf)
}

func TestChainDominantSequence(t *testing.T) {
	// All potentials zero except a boost of total log-potential 10 spread
	// along the path of [1, 1, 1], making it the unique best sequence while
	// every competitor keeps a score near zero.
	pot := tensor.Zeros(tensor.Shape{3, 2, 2})
	pot.Set(4, 0, 0, 1)
	pot.Set(3, 1, 1, 1)
	pot.Set(3, 2, 1, 1)
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)

	best, err := d.Argmax()
	require.NoError(t, err)
	assert.Equal(t, 1.0, best.At(0, 0, 1))
	assert.Equal(t, 1.0, best.At(1, 1, 1))
	assert.Equal(t, 1.0, best.At(2, 1, 1))
	assert.InDelta(t, 3, best.SumAll(), 1e-12)

	lp, err := d.LogPartition()
	require.NoError(t, err)
	assert.InDelta(t, oracleLogZ(enumerateChain(pot, 3)), lp.At(), 1e-10)
	// The boosted sequence holds almost all the mass, so log Z barely
	// exceeds its score of 10.
	assert.Greater(t, lp.At(), 10.0)
	assert.Less(t, lp.At(), 10.1)

	marg, err := d.Marginals()
	require.NoError(t, err)
	assert.Greater(t, marg.At(0, 0, 1), 0.9)
	assert.Greater(t, marg.At(1, 1, 1), 0.9)
	assert.Greater(t, marg.At(2, 1, 1), 0.9)
}

func TestChainVariableLengths(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 0))
	pot := randomTensor(rng, tensor.Shape{2, 4, 3, 3})
	d, err := NewLinearChainCRF(pot, []int{4, 2})
	require.NoError(t, err)

	lp, err := d.LogPartition()
	require.NoError(t, err)
	first := pot.Narrow(0, 0, 1).Squeeze(0)
	second := pot.Narrow(0, 1, 1).Squeeze(0)
	assert.InDelta(t, oracleLogZ(enumerateChain(first, 4)), lp.At(0), 1e-10)
	assert.InDelta(t, oracleLogZ(enumerateChain(second, 2)), lp.At(1), 1e-10)

	marg, err := d.Marginals()
	require.NoError(t, err)
	wantSecond := oracleMarginals(enumerateChain(second, 2), second.Shape())
	gotSecond := marg.Narrow(0, 1, 1).Squeeze(0)
	assert.True(t, tensor.AllClose(wantSecond, gotSecond, 1e-10))
	// Nothing may leak past the length.
	assert.InDelta(t, 0, gotSecond.Narrow(0, 2, 2).SumAll(), 1e-12)
}

func TestChainSampleMatchesMarginals(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 0))
	pot := randomTensor(rng, tensor.Shape{3, 2, 2})
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	marg, err := d.Marginals()
	require.NoError(t, err)

	const count = 4000
	samples, err := d.Sample(42, count)
	require.NoError(t, err)
	// Empirical cell frequencies against exact marginals.
	cells := pot.NumElements()
	series := make([]float64, count)
	for c := 0; c < cells; c++ {
		for i := 0; i < count; i++ {
			series[i] = samples.Data()[i*cells+c]
		}
		assert.InDelta(t, marg.Data()[c], stat.Mean(series, nil), 0.05, "cell %d", c)
	}
}

func TestChainSamplingIsReproducible(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 0))
	pot := randomTensor(rng, tensor.Shape{3, 2, 2})
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	a, err := d.Sample(7, 3)
	require.NoError(t, err)
	b, err := d.Sample(7, 5)
	require.NoError(t, err)
	// Draw i depends only on (seed, i).
	assert.True(t, tensor.AllClose(a, b.Narrow(0, 0, 3), 1e-12))
	c, err := d.Sample(8, 3)
	require.NoError(t, err)
	assert.False(t, tensor.AllClose(a, c, 1e-12), "different seeds should differ")
}

func TestChainSamplesAreValidStructures(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 0))
	pot := randomTensor(rng, tensor.Shape{4, 3, 3})
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	samples, err := d.Sample(1, 20)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		ev := samples.Narrow(0, i, 1).Squeeze(0)
		// One transition per step, all entries 0/1.
		assert.InDelta(t, 4, ev.SumAll(), 1e-12)
		for _, v := range ev.Data() {
			assert.True(t, v == 0 || v == 1)
		}
	}
}

func TestChainCrossEntropyAndKL(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 0))
	potP := randomTensor(rng, tensor.Shape{3, 2, 2})
	potQ := randomTensor(rng, tensor.Shape{3, 2, 2})
	p, err := NewLinearChainCRF(potP, nil)
	require.NoError(t, err)
	q, err := NewLinearChainCRF(potQ, nil)
	require.NoError(t, err)

	ce, err := p.CrossEntropy(q)
	require.NoError(t, err)
	want := oracleCrossEntropy(enumerateChain(potP, 3), enumerateChain(potQ, 3))
	assert.InDelta(t, want, ce.At(), 1e-10)

	// CE(p, p) is the entropy.
	cepp, err := p.CrossEntropy(p)
	require.NoError(t, err)
	h, err := p.Entropy()
	require.NoError(t, err)
	assert.InDelta(t, h.At(), cepp.At(), 1e-10)

	kl, err := p.KL(q)
	require.NoError(t, err)
	assert.InDelta(t, want-h.At(), kl.At(), 1e-10)
	assert.GreaterOrEqual(t, kl.At()+1e-12, 0.0)

	self, err := p.KL(p)
	require.NoError(t, err)
	assert.InDelta(t, 0, self.At(), 1e-10)
}

func TestChainCrossEntropyRejectsMismatch(t *testing.T) {
	p, err := NewLinearChainCRF(tensor.Zeros(tensor.Shape{3, 2, 2}), nil)
	require.NoError(t, err)
	q, err := NewLinearChainCRF(tensor.Zeros(tensor.Shape{4, 2, 2}), nil)
	require.NoError(t, err)
	_, err = p.CrossEntropy(q)
	assert.ErrorIs(t, err, ErrIncompatible)
}

func TestChainLogProbRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(12, 0))
	pot := randomTensor(rng, tensor.Shape{3, 3, 3})
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	best, err := d.Argmax()
	require.NoError(t, err)
	lp, err := d.LogProb(best)
	require.NoError(t, err)
	logZ, err := d.LogPartition()
	require.NoError(t, err)
	score, err := d.UnnormalizedLogProb(best)
	require.NoError(t, err)
	assert.InDelta(t, score.At()-logZ.At(), lp.At(), 1e-12)
}

func TestChainValidation(t *testing.T) {
	_, err := NewLinearChainCRF(tensor.Zeros(tensor.Shape{3, 2, 3}), nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewLinearChainCRF(tensor.Zeros(tensor.Shape{3, 2, 2}), []int{4})
	assert.ErrorIs(t, err, ErrInvalidLength)

	_, err = NewLinearChainCRF(tensor.Zeros(tensor.Shape{3, 2, 2}), []int{0})
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestChainWarnsOnExtremePotentials(t *testing.T) {
	pot := tensor.Zeros(tensor.Shape{2, 2, 2})
	pot.Set(2e5, 0, 0, 1)
	d, err := NewLinearChainCRF(pot, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, d.Warnings())

	mild, err := NewLinearChainCRF(tensor.Zeros(tensor.Shape{2, 2, 2}), nil)
	require.NoError(t, err)
	assert.Empty(t, mild.Warnings())
}

func TestHMMMatchesDirectSummation(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 0))
	m, vocab := 2, 3
	initial := randomTensor(rng, tensor.Shape{m})
	transition := randomTensor(rng, tensor.Shape{m, m})
	emission := randomTensor(rng, tensor.Shape{m, vocab})
	obs := [][]int{{0, 2, 1}}

	d, err := NewHMM(initial, transition, emission, obs, nil)
	require.NoError(t, err)
	lp, err := d.LogPartition()
	require.NoError(t, err)

	// Direct sum over the 2^3 state sequences.
	best := math.Inf(-1)
	var scores []float64
	for a := 0; a < m; a++ {
		for b := 0; b < m; b++ {
			for c := 0; c < m; c++ {
				s := initial.At(a) + emission.At(a, 0) +
					transition.At(a, b) + emission.At(b, 2) +
					transition.At(b, c) + emission.At(c, 1)
				scores = append(scores, s)
				if s > best {
					best = s
				}
			}
		}
	}
	acc := 0.0
	for _, s := range scores {
		acc += math.Exp(s - best)
	}
	assert.InDelta(t, best+math.Log(acc), lp.At(0), 1e-10)
}
