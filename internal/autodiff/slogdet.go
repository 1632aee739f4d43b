package autodiff

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/strux-ml/strux/internal/parallel"
	"github.com/strux-ml/strux/internal/tensor"
)

// slogdetOp: d(log det A)/dA = (A^{-1})^T, per batch entry.
type slogdetOp struct {
	a *Var
	n int
}

func (op *slogdetOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	n := op.n
	batch := op.a.value.NumElements() / (n * n)
	grad := tensor.Zeros(op.a.Shape())
	src := op.a.value.Data()
	dst := grad.Data()
	gd := g.Data()

	parallel.For(batch, func(b int) {
		m := mat.NewDense(n, n, src[b*n*n:(b+1)*n*n])
		var inv mat.Dense
		if err := inv.Inverse(m); err != nil {
			// Singular at the solution point: the forward pass already
			// failed or returned -Inf, leave a zero gradient.
			return
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				dst[b*n*n+i*n+j] = gd[b] * inv.At(j, i)
			}
		}
	}, parallel.DefaultConfig())
	return []*tensor.Tensor{grad}
}

// SLogDet computes log|det(A)| for a batch of square matrices (B, n, n),
// returning shape (B). The determinant must be strictly positive for every
// batch entry; a non-positive or non-finite determinant is a numeric-domain
// failure (the Matrix-Tree Laplacians this op serves are positive definite
// on valid inputs).
func SLogDet(a *Var) (*Var, error) {
	shape := a.Shape()
	if len(shape) != 3 || shape[1] != shape[2] {
		return nil, fmt.Errorf("SLogDet: want shape (B, n, n), got %v", shape)
	}
	batch, n := shape[0], shape[1]
	out := tensor.New(tensor.Shape{batch})
	src := a.value.Data()
	od := out.Data()

	var (
		mu       sync.Mutex
		firstErr error
	)
	parallel.For(batch, func(b int) {
		var lu mat.LU
		lu.Factorize(mat.NewDense(n, n, src[b*n*n:(b+1)*n*n]))
		det, sign := lu.LogDet()
		if sign <= 0 || math.IsNaN(det) || math.IsInf(det, 1) {
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("SLogDet: non-positive determinant in batch entry %d", b)
			}
			mu.Unlock()
			return
		}
		od[b] = det
	}, parallel.DefaultConfig())
	if firstErr != nil {
		return nil, firstErr
	}
	return newResult(out, &slogdetOp{a, n}, a), nil
}
