package dist

import (
	"math"
	"sort"

	"github.com/strux-ml/strux/internal/tensor"
)

// structure pairs an unbatched event tensor with its log score, for
// brute-force oracles that enumerate a family's support.
type structure struct {
	event *tensor.Tensor
	score float64
}

func oracleLogZ(ss []structure) float64 {
	best := math.Inf(-1)
	for _, s := range ss {
		if s.score > best {
			best = s.score
		}
	}
	if math.IsInf(best, -1) {
		return best
	}
	acc := 0.0
	for _, s := range ss {
		acc += math.Exp(s.score - best)
	}
	return best + math.Log(acc)
}

func oracleMarginals(ss []structure, shape tensor.Shape) *tensor.Tensor {
	logZ := oracleLogZ(ss)
	out := tensor.Zeros(shape)
	od := out.Data()
	for _, s := range ss {
		w := math.Exp(s.score - logZ)
		for i, v := range s.event.Data() {
			od[i] += w * v
		}
	}
	return out
}

func oracleEntropy(ss []structure) float64 {
	logZ := oracleLogZ(ss)
	acc := 0.0
	for _, s := range ss {
		p := math.Exp(s.score - logZ)
		if p > 0 {
			acc -= p * (s.score - logZ)
		}
	}
	return acc
}

func oracleCrossEntropy(ps, qs []structure) float64 {
	logZp := oracleLogZ(ps)
	logZq := oracleLogZ(qs)
	acc := 0.0
	for i, s := range ps {
		p := math.Exp(s.score - logZp)
		if p > 0 {
			acc -= p * (qs[i].score - logZq)
		}
	}
	return acc
}

// oracleSorted returns the structures ordered by descending score, stable.
func oracleSorted(ss []structure) []structure {
	out := make([]structure, len(ss))
	copy(out, ss)
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func oracleLogCount(ss []structure) float64 {
	n := 0
	for _, s := range ss {
		if !math.IsInf(s.score, -1) {
			n++
		}
	}
	if n == 0 {
		return math.Inf(-1)
	}
	return math.Log(float64(n))
}
