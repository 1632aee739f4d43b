package autodiff

import (
	"github.com/strux-ml/strux/internal/tensor"
)

// narrowOp scatters the gradient back into the sliced region.
type narrowOp struct {
	in         tensor.Shape
	dim, start int
}

func (op *narrowOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	grad := tensor.Zeros(op.in)
	outer, _, inner := splitDims(op.in, op.dim)
	length := g.Shape()[op.dim]
	gd := g.Data()
	dst := grad.Data()
	for o := 0; o < outer; o++ {
		for k := 0; k < length; k++ {
			src := (o*length + k) * inner
			d := (o*op.in[op.dim] + op.start + k) * inner
			copy(dst[d:d+inner], gd[src:src+inner])
		}
	}
	return []*tensor.Tensor{grad}
}

// Narrow returns the slice [start, start+length) along dimension dim.
func Narrow(a *Var, dim, start, length int) *Var {
	return newResult(a.value.Narrow(dim, start, length), &narrowOp{a.Shape().Clone(), dim, start}, a)
}

// catOp splits the gradient back into the concatenated pieces.
type catOp struct {
	sizes []int
	dim   int
}

func (op *catOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	grads := make([]*tensor.Tensor, len(op.sizes))
	offset := 0
	for i, size := range op.sizes {
		grads[i] = g.Narrow(op.dim, offset, size)
		offset += size
	}
	return grads
}

// Cat concatenates variables along dimension dim.
func Cat(vars []*Var, dim int) *Var {
	values := make([]*tensor.Tensor, len(vars))
	sizes := make([]int, len(vars))
	for i, v := range vars {
		values[i] = v.value
		sizes[i] = v.Shape()[dim]
	}
	return newResult(tensor.Cat(values, dim), &catOp{sizes, dim}, vars...)
}

// Stack concatenates equal-shaped variables along a new dimension dim.
func Stack(vars []*Var, dim int) *Var {
	expanded := make([]*Var, len(vars))
	for i, v := range vars {
		expanded[i] = Unsqueeze(v, dim)
	}
	return Cat(expanded, dim)
}

type reshapeOp struct {
	in tensor.Shape
}

func (op *reshapeOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{g.Reshape(op.in)}
}

// Reshape returns a with a new shape of equal element count.
func Reshape(a *Var, shape tensor.Shape) *Var {
	return newResult(a.value.Reshape(shape), &reshapeOp{a.Shape().Clone()}, a)
}

// Unsqueeze inserts a size-1 dimension at position dim.
func Unsqueeze(a *Var, dim int) *Var {
	return newResult(a.value.Unsqueeze(dim), &reshapeOp{a.Shape().Clone()}, a)
}

// Squeeze removes the size-1 dimension at position dim.
func Squeeze(a *Var, dim int) *Var {
	return newResult(a.value.Squeeze(dim), &reshapeOp{a.Shape().Clone()}, a)
}

// whereOp routes the gradient to whichever branch was selected.
type whereOp struct {
	cond *tensor.Tensor
	x, y *Var
}

func (op *whereOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	zero := tensor.Zeros(tensor.Shape{})
	gx := tensor.Where(op.cond, g, zero)
	gy := tensor.Where(op.cond, zero, g)
	return []*tensor.Tensor{
		reduceToShape(gx, op.x.Shape()),
		reduceToShape(gy, op.y.Shape()),
	}
}

// Where selects x where cond is nonzero and y elsewhere. cond is a constant
// {0,1} tensor; gradients flow only through the selected branch.
func Where(cond *tensor.Tensor, x, y *Var) *Var {
	out := tensor.Where(cond, x.value, y.value)
	return newResult(out, &whereOp{cond, x, y}, x, y)
}

type transposeOp struct {
	d0, d1 int
}

func (op *transposeOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{g.Transpose(op.d0, op.d1)}
}

// Transpose swaps dimensions d0 and d1.
func Transpose(a *Var, d0, d1 int) *Var {
	return newResult(a.value.Transpose(d0, d1), &transposeOp{d0, d1}, a)
}

// diagEmbedOp: the adjoint of embedding a diagonal is taking the diagonal.
type diagEmbedOp struct{}

func (op *diagEmbedOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{g.TakeDiag()}
}

// DiagEmbed expands the last dimension (B..., n) into (B..., n, n).
func DiagEmbed(a *Var) *Var {
	return newResult(a.value.DiagEmbed(), &diagEmbedOp{}, a)
}
