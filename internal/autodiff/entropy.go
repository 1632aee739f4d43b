package autodiff

import (
	"math"

	"github.com/strux-ml/strux/internal/tensor"
)

// entropyReduceOp has no backward: the expectation semiring yields entropy
// directly in its second lane, so nothing ever differentiates through it.
type entropyReduceOp struct{}

func (op *entropyReduceOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{nil}
}

// EntropyReduce reduces dimension dim of an expectation-semiring tensor
// whose lane axis holds (log-partition, entropy) pairs:
//
//	Z' = logsumexp_k z_k
//	H' = Σ_k softmax(z)_k · (h_k − log softmax(z)_k)
//
// This is the standard first-order expectation-semiring combination: every
// reduction both mixes the children's partial entropies and adds the
// entropy of the choice itself.
func EntropyReduce(x *Var, dim int) *Var {
	in := x.Shape()
	if in[0] != 2 {
		panic("autodiff: EntropyReduce needs a 2-lane tensor")
	}
	z := x.value.Narrow(0, 0, 1)
	h := x.value.Narrow(0, 1, 1)
	part := z.LogSumExp(dim)

	outer, size, inner := splitDims(z.Shape(), dim)
	hOut := tensor.Zeros(part.Shape())
	zd := z.Data()
	hd := h.Data()
	pd := part.Data()
	od := hOut.Data()
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			logZ := pd[o*inner+i]
			if math.IsInf(logZ, -1) {
				continue
			}
			acc := 0.0
			for k := 0; k < size; k++ {
				src := (o*size+k)*inner + i
				logSM := zd[src] - logZ
				if math.IsInf(logSM, -1) {
					continue // zero probability contributes nothing
				}
				sm := math.Exp(logSM)
				acc += sm * (hd[src] - logSM)
			}
			od[o*inner+i] = acc
		}
	}
	out := tensor.Cat([]*tensor.Tensor{part, hOut}, 0)
	return newResult(out, &entropyReduceOp{}, x)
}
