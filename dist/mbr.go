package dist

import (
	"github.com/strux-ml/strux/internal/tensor"
)

// mbrFromSpanMarginals picks, per batch entry, the binary tree maximizing
// the total marginal mass of its spans (minimum Bayes risk), labeling each
// chosen span with its highest-marginal label. marginalizeLabels selects
// the span quality: the mass summed over labels (unlabeled span loss) or
// the single best label's mass (labeled span loss). marginals has shape
// (B, n, n, labels); the result is an event tensor of the same shape.
func mbrFromSpanMarginals(marginals *tensor.Tensor, lengths []int, marginalizeLabels bool) *tensor.Tensor {
	shape := marginals.Shape()
	batch, n, labels := shape[0], shape[1], shape[3]
	out := tensor.Zeros(shape)
	src := marginals.Data()

	mass := func(b, i, j int) float64 {
		base := ((b*n+i)*n + j) * labels
		if marginalizeLabels {
			acc := 0.0
			for l := 0; l < labels; l++ {
				acc += src[base+l]
			}
			return acc
		}
		best := src[base]
		for l := 1; l < labels; l++ {
			if src[base+l] > best {
				best = src[base+l]
			}
		}
		return best
	}
	bestLabel := func(b, i, j int) int {
		base := ((b*n+i)*n + j) * labels
		arg := 0
		for l := 1; l < labels; l++ {
			if src[base+l] > src[base+arg] {
				arg = l
			}
		}
		return arg
	}

	for b := 0; b < batch; b++ {
		ln := lengths[b]
		best := make([][]float64, ln)
		split := make([][]int, ln)
		for i := 0; i < ln; i++ {
			best[i] = make([]float64, ln)
			split[i] = make([]int, ln)
			best[i][i] = mass(b, i, i)
		}
		for width := 2; width <= ln; width++ {
			for i := 0; i+width <= ln; i++ {
				j := i + width - 1
				bk, bv := i, best[i][i]+best[i+1][j]
				for k := i + 1; k < j; k++ {
					if v := best[i][k] + best[k+1][j]; v > bv {
						bk, bv = k, v
					}
				}
				best[i][j] = mass(b, i, j) + bv
				split[i][j] = bk
			}
		}
		// Emit the chosen spans.
		var walk func(i, j int)
		walk = func(i, j int) {
			out.Set(1, b, i, j, bestLabel(b, i, j))
			if i == j {
				return
			}
			k := split[i][j]
			walk(i, k)
			walk(k+1, j)
		}
		walk(0, ln-1)
	}
	return out
}
