package semiring

import (
	"github.com/strux-ml/strux/internal/autodiff"
	"github.com/strux-ml/strux/internal/tensor"
)

// Log is the sum-product semiring in log space: ⊕ = logaddexp, ⊗ = +.
// Its final value is the log-partition, and its gradient with respect to
// the lifted potentials is the marginal probabilities.
type Log struct{}

func (Log) Size() int { return 1 }

func (Log) Lift(lp *autodiff.Var) *autodiff.Var {
	return autodiff.Unsqueeze(lp, 0)
}

func (Log) Zeros(shape tensor.Shape) *autodiff.Var {
	return autodiff.Constant(tensor.NegInf(laneShape(1, shape)))
}

func (Log) Ones(shape tensor.Shape) *autodiff.Var {
	return autodiff.Constant(tensor.Zeros(laneShape(1, shape)))
}

func (Log) Sum(x *autodiff.Var, dim int) *autodiff.Var {
	return autodiff.LogSumExp(x, dim)
}

func (Log) Mul(a, b *autodiff.Var) *autodiff.Var {
	return autodiff.Add(a, b)
}

func (Log) Mask(x *autodiff.Var, keep *tensor.Tensor) *autodiff.Var {
	zero := autodiff.Constant(tensor.NegInf(tensor.Shape{}))
	return autodiff.Where(keep, x, zero)
}

// Max is the Viterbi semiring: ⊕ = max, ⊗ = +. The one-hot backward of the
// max reduction makes the argmax structure the gradient of the final score.
type Max struct{}

func (Max) Size() int { return 1 }

func (Max) Lift(lp *autodiff.Var) *autodiff.Var {
	return autodiff.Unsqueeze(lp, 0)
}

func (Max) Zeros(shape tensor.Shape) *autodiff.Var {
	return autodiff.Constant(tensor.NegInf(laneShape(1, shape)))
}

func (Max) Ones(shape tensor.Shape) *autodiff.Var {
	return autodiff.Constant(tensor.Zeros(laneShape(1, shape)))
}

func (Max) Sum(x *autodiff.Var, dim int) *autodiff.Var {
	return autodiff.MaxDim(x, dim)
}

func (Max) Mul(a, b *autodiff.Var) *autodiff.Var {
	return autodiff.Add(a, b)
}

func (Max) Mask(x *autodiff.Var, keep *tensor.Tensor) *autodiff.Var {
	zero := autodiff.Constant(tensor.NegInf(tensor.Shape{}))
	return autodiff.Where(keep, x, zero)
}

// Sample computes the log semiring forward and draws one structure during
// the backward pass (forward filtering, backward ancestral sampling). The
// facade swaps State.Rand between backward passes; draws are consumed in a
// deterministic order so samples never share entropy.
type Sample struct {
	State *autodiff.SampleState
}

func (Sample) Size() int { return 1 }

func (Sample) Lift(lp *autodiff.Var) *autodiff.Var {
	return autodiff.Unsqueeze(lp, 0)
}

func (Sample) Zeros(shape tensor.Shape) *autodiff.Var {
	return autodiff.Constant(tensor.NegInf(laneShape(1, shape)))
}

func (Sample) Ones(shape tensor.Shape) *autodiff.Var {
	return autodiff.Constant(tensor.Zeros(laneShape(1, shape)))
}

func (s Sample) Sum(x *autodiff.Var, dim int) *autodiff.Var {
	return autodiff.SampleDim(x, dim, s.State)
}

func (Sample) Mul(a, b *autodiff.Var) *autodiff.Var {
	return autodiff.Add(a, b)
}

func (Sample) Mask(x *autodiff.Var, keep *tensor.Tensor) *autodiff.Var {
	zero := autodiff.Constant(tensor.NegInf(tensor.Shape{}))
	return autodiff.Where(keep, x, zero)
}
