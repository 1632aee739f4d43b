package autodiff

import (
	"math"

	"github.com/strux-ml/strux/internal/tensor"
)

// sumDimOp: the gradient of a sum broadcasts back over the reduced dim.
type sumDimOp struct {
	in  tensor.Shape
	dim int
}

func (op *sumDimOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{g.Unsqueeze(op.dim).BroadcastTo(op.in)}
}

// Sum reduces dimension dim by addition.
func Sum(a *Var, dim int) *Var {
	return newResult(a.value.Sum(dim), &sumDimOp{a.Shape().Clone(), dim}, a)
}

// logSumExpOp: d(lse)/dx = softmax(x) along the reduced dim. This is the
// op that turns the log-partition gradient into marginal probabilities.
type logSumExpOp struct {
	a   *Var
	dim int
}

func (op *logSumExpOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	sm := op.a.value.Softmax(op.dim)
	return []*tensor.Tensor{sm.Mul(g.Unsqueeze(op.dim))}
}

// LogSumExp reduces dimension dim by log(Σ exp(x)), numerically stable.
func LogSumExp(a *Var, dim int) *Var {
	return newResult(a.value.LogSumExp(dim), &logSumExpOp{a, dim}, a)
}

// maxDimOp routes the whole output gradient to the argmax position (ties
// resolve to the lowest index), making the argmax structure recoverable as
// a gradient.
type maxDimOp struct {
	in  tensor.Shape
	dim int
	arg []int
}

func (op *maxDimOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	grad := tensor.Zeros(op.in)
	outer, size, inner := splitDims(op.in, op.dim)
	_ = size
	gd := g.Data()
	dst := grad.Data()
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			k := op.arg[o*inner+i]
			dst[(o*op.in[op.dim]+k)*inner+i] += gd[o*inner+i]
		}
	}
	return []*tensor.Tensor{grad}
}

// MaxDim reduces dimension dim by maximum with one-hot backward.
func MaxDim(a *Var, dim int) *Var {
	out, arg := a.value.Max(dim)
	return newResult(out, &maxDimOp{a.Shape().Clone(), dim, arg}, a)
}

// SampleState carries the random stream consumed by sampling reductions.
// The facade swaps Rand between backward passes so that every sample is
// drawn from its own independent stream.
type SampleState struct {
	Rand UniformSource
}

// UniformSource yields independent uniform draws in [0, 1).
type UniformSource interface {
	Float64() float64
}

// sampleDimOp computes logsumexp forward; backward draws one index per
// reduced row from the row's softmax and routes the output gradient there.
// During ancestral backward sampling the incoming gradient is a {0,1}
// structure indicator, so routed mass stays an indicator.
//
// Exactly one uniform draw is consumed per row, in a fixed row order, so
// the stream position is deterministic regardless of the indicator pattern.
type sampleDimOp struct {
	a     *Var
	dim   int
	state *SampleState
}

func (op *sampleDimOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	in := op.a.Shape()
	sm := op.a.value.Softmax(op.dim)
	grad := tensor.Zeros(in)
	outer, size, inner := splitDims(in, op.dim)
	gd := g.Data()
	smd := sm.Data()
	dst := grad.Data()
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			u := op.state.Rand.Float64()
			// Inverse-CDF draw over the row's conditional distribution.
			acc := 0.0
			chosen := -1
			for k := 0; k < size; k++ {
				acc += smd[(o*size+k)*inner+i]
				if u < acc {
					chosen = k
					break
				}
			}
			if chosen < 0 {
				// All mass below u (rounding) or an all -Inf row: fall
				// back to the last positive entry.
				for k := size - 1; k >= 0; k-- {
					if smd[(o*size+k)*inner+i] > 0 {
						chosen = k
						break
					}
				}
			}
			if chosen < 0 {
				continue
			}
			dst[(o*size+chosen)*inner+i] += gd[o*inner+i]
		}
	}
	return []*tensor.Tensor{grad}
}

// SampleDim reduces dimension dim by logsumexp with a sampling backward.
func SampleDim(a *Var, dim int, state *SampleState) *Var {
	return newResult(a.value.LogSumExp(dim), &sampleDimOp{a, dim, state}, a)
}

// splitDims mirrors the (outer, size, inner) decomposition used by the
// tensor reductions.
func splitDims(shape tensor.Shape, d int) (outer, size, inner int) {
	outer, inner = 1, 1
	for i := 0; i < d; i++ {
		outer *= shape[i]
	}
	for i := d + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[d], inner
}

// negInf is the log-space zero.
var negInf = math.Inf(-1)
