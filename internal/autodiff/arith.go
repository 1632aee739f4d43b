package autodiff

import (
	"github.com/strux-ml/strux/internal/tensor"
)

// addOp: d(a+b)/da = 1, d(a+b)/db = 1, reduced over broadcast dims.
type addOp struct {
	a, b *Var
}

func (op *addOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{
		reduceToShape(g, op.a.Shape()),
		reduceToShape(g, op.b.Shape()),
	}
}

// Add returns a + b with broadcasting.
func Add(a, b *Var) *Var {
	return newResult(a.value.Add(b.value), &addOp{a, b}, a, b)
}

type subOp struct {
	a, b *Var
}

func (op *subOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{
		reduceToShape(g, op.a.Shape()),
		reduceToShape(g.Neg(), op.b.Shape()),
	}
}

// Sub returns a - b with broadcasting.
func Sub(a, b *Var) *Var {
	return newResult(a.value.Sub(b.value), &subOp{a, b}, a, b)
}

// mulOp: d(a*b)/da = b, d(a*b)/db = a.
type mulOp struct {
	a, b *Var
}

func (op *mulOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{
		reduceToShape(g.Mul(op.b.value), op.a.Shape()),
		reduceToShape(g.Mul(op.a.value), op.b.Shape()),
	}
}

// Mul returns a * b elementwise with broadcasting.
func Mul(a, b *Var) *Var {
	return newResult(a.value.Mul(b.value), &mulOp{a, b}, a, b)
}

type negOp struct{ a *Var }

func (op *negOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{g.Neg()}
}

// Neg returns -a.
func Neg(a *Var) *Var {
	return newResult(a.value.Neg(), &negOp{a}, a)
}

// expOp caches its output: d(exp x)/dx = exp x.
type expOp struct {
	out *tensor.Tensor
}

func (op *expOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{g.Mul(op.out)}
}

// Exp returns exp(a) elementwise.
func Exp(a *Var) *Var {
	out := a.value.Exp()
	return newResult(out, &expOp{out}, a)
}

type logOp struct{ a *Var }

func (op *logOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{g.Div(op.a.value)}
}

// Log returns log(a) elementwise.
func Log(a *Var) *Var {
	return newResult(a.value.Log(), &logOp{a}, a)
}

type addScalarOp struct{}

func (op *addScalarOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{g}
}

// AddScalar returns a + s elementwise.
func AddScalar(a *Var, s float64) *Var {
	return newResult(a.value.AddScalar(s), &addScalarOp{}, a)
}

type mulScalarOp struct{ s float64 }

func (op *mulScalarOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{g.MulScalar(op.s)}
}

// MulScalar returns a * s elementwise.
func MulScalar(a *Var, s float64) *Var {
	return newResult(a.value.MulScalar(s), &mulScalarOp{s}, a)
}
