package semiring

import (
	"math"

	"github.com/strux-ml/strux/internal/autodiff"
	"github.com/strux-ml/strux/internal/tensor"
)

// Entropy is the first-order expectation semiring: each cell carries a
// (log-partition, partial-entropy) lane pair, so the final cell yields the
// distribution's entropy without a second differentiation pass.
type Entropy struct{}

func (Entropy) Size() int { return 2 }

func (Entropy) Lift(lp *autodiff.Var) *autodiff.Var {
	lane0 := autodiff.Unsqueeze(lp, 0)
	lane1 := autodiff.Constant(tensor.Zeros(laneShape(1, lp.Shape())))
	return autodiff.Cat([]*autodiff.Var{lane0, lane1}, 0)
}

func (Entropy) Zeros(shape tensor.Shape) *autodiff.Var {
	lane0 := tensor.NegInf(laneShape(1, shape))
	lane1 := tensor.Zeros(laneShape(1, shape))
	return autodiff.Constant(tensor.Cat([]*tensor.Tensor{lane0, lane1}, 0))
}

func (Entropy) Ones(shape tensor.Shape) *autodiff.Var {
	return autodiff.Constant(tensor.Zeros(laneShape(2, shape)))
}

func (Entropy) Sum(x *autodiff.Var, dim int) *autodiff.Var {
	return autodiff.EntropyReduce(x, dim)
}

// Mul is lane-wise addition: log-potentials multiply (add in log space) and
// partial entropies accumulate.
func (Entropy) Mul(a, b *autodiff.Var) *autodiff.Var {
	return autodiff.Add(a, b)
}

func (Entropy) Mask(x *autodiff.Var, keep *tensor.Tensor) *autodiff.Var {
	rank := len(x.Shape())
	zeroShape := make(tensor.Shape, rank)
	for i := range zeroShape {
		zeroShape[i] = 1
	}
	zeroShape[0] = 2
	zero := tensor.Zeros(zeroShape)
	zero.Data()[0] = math.Inf(-1)
	return autodiff.Where(keep, x, autodiff.Constant(zero))
}
