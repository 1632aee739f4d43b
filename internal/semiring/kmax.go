package semiring

import (
	"github.com/strux-ml/strux/internal/autodiff"
	"github.com/strux-ml/strux/internal/tensor"
)

// KMax tracks the k best-scoring structures per cell in sorted lanes.
// Merges are exact (no approximation); equal scores keep their insertion
// order, so the first-found structure wins ties.
type KMax struct {
	K int
}

func (s KMax) Size() int { return s.K }

func (s KMax) Lift(lp *autodiff.Var) *autodiff.Var {
	lane0 := autodiff.Unsqueeze(lp, 0)
	if s.K == 1 {
		return lane0
	}
	pad := autodiff.Constant(tensor.NegInf(laneShape(s.K-1, lp.Shape())))
	return autodiff.Cat([]*autodiff.Var{lane0, pad}, 0)
}

func (s KMax) Zeros(shape tensor.Shape) *autodiff.Var {
	return autodiff.Constant(tensor.NegInf(laneShape(s.K, shape)))
}

func (s KMax) Ones(shape tensor.Shape) *autodiff.Var {
	// Lane 0 is the single empty-choice structure with score 0; the other
	// lanes stay empty.
	lane0 := tensor.Zeros(laneShape(1, shape))
	if s.K == 1 {
		return autodiff.Constant(lane0)
	}
	pad := tensor.NegInf(laneShape(s.K-1, shape))
	return autodiff.Constant(tensor.Cat([]*tensor.Tensor{lane0, pad}, 0))
}

func (s KMax) Sum(x *autodiff.Var, dim int) *autodiff.Var {
	return autodiff.TopKMerge(x, dim, s.K)
}

func (s KMax) Mul(a, b *autodiff.Var) *autodiff.Var {
	return autodiff.KMaxMul(a, b, s.K)
}

func (s KMax) Mask(x *autodiff.Var, keep *tensor.Tensor) *autodiff.Var {
	zero := autodiff.Constant(tensor.NegInf(tensor.Shape{}))
	return autodiff.Where(keep, x, zero)
}
