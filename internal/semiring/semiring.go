// Package semiring defines the algebraic layer the dynamic-programming
// recurrences are written against.
//
// A semiring value is a tensor with a leading "lane" axis of Size()
// entries: one lane for the log and max semirings, k lanes for k-best, two
// lanes (log-partition, entropy) for the expectation semiring. Writing each
// family's recurrence once against this interface is what lets a single
// recurrence skeleton yield the partition function, the argmax, the k-best
// list, a sample and the entropy without being rewritten per quantity.
//
// Structure extraction contract: lane 0 of Lift carries the log-potentials,
// so the gradient of the final lane-k value with respect to the lifted
// potentials is the indicator tensor of the k-th structure (or, under the
// log semiring, the marginal probabilities).
package semiring

import (
	"github.com/strux-ml/strux/internal/autodiff"
	"github.com/strux-ml/strux/internal/tensor"
)

// Semiring supplies ⊕ (Sum), ⊗ (Mul), their identities, the embedding of
// log-potentials, and mask application. Dimension arguments count the lane
// axis as dimension 0 and must be >= 1.
type Semiring interface {
	// Size is the length of the leading lane axis.
	Size() int
	// Lift embeds log-potentials: shape [...] -> [Size ...].
	Lift(lp *autodiff.Var) *autodiff.Var
	// Zeros returns the ⊕-identity (annihilator of ⊗) at shape [Size s...].
	Zeros(shape tensor.Shape) *autodiff.Var
	// Ones returns the ⊗-identity at shape [Size s...].
	Ones(shape tensor.Shape) *autodiff.Var
	// Sum ⊕-reduces dimension dim.
	Sum(x *autodiff.Var, dim int) *autodiff.Var
	// Mul combines two values elementwise with broadcasting.
	Mul(a, b *autodiff.Var) *autodiff.Var
	// Mask keeps x where keep is nonzero and the semiring zero elsewhere.
	// keep has no lane axis and broadcasts against x's trailing dims.
	Mask(x *autodiff.Var, keep *tensor.Tensor) *autodiff.Var
}

// laneShape prepends the lane axis.
func laneShape(size int, shape tensor.Shape) tensor.Shape {
	out := make(tensor.Shape, 0, len(shape)+1)
	out = append(out, size)
	out = append(out, shape...)
	return out
}

// SumVars ⊕-reduces a slice of equal-shaped semiring values by stacking
// them along a fresh trailing dimension. Handy for recurrences that gather
// a variable number of candidate cells (split points, shifted neighbors).
func SumVars(s Semiring, vars []*autodiff.Var) *autodiff.Var {
	if len(vars) == 1 {
		return vars[0]
	}
	dim := len(vars[0].Shape())
	stacked := autodiff.Stack(vars, dim)
	return s.Sum(stacked, dim)
}
