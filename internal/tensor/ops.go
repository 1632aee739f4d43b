package tensor

import (
	"fmt"
	"math"
)

// apply2 evaluates f elementwise over the broadcast of a and b.
func apply2(a, b *Tensor, f func(x, y float64) float64) *Tensor {
	outShape, err := BroadcastShapes(a.shape, b.shape)
	if err != nil {
		panic(fmt.Sprintf("tensor: %v", err))
	}
	out := New(outShape)
	if a.shape.Equal(b.shape) {
		// Fast path: identical layouts.
		for i := range out.data {
			out.data[i] = f(a.data[i], b.data[i])
		}
		return out
	}
	sa := broadcastStrides(a.shape, outShape)
	sb := broadcastStrides(b.shape, outShape)
	ix := make([]int, len(outShape))
	oa, ob := 0, 0
	for i := range out.data {
		out.data[i] = f(a.data[oa], b.data[ob])
		// Advance the odometer and the two input offsets together.
		for d := len(outShape) - 1; d >= 0; d-- {
			ix[d]++
			oa += sa[d]
			ob += sb[d]
			if ix[d] < outShape[d] {
				break
			}
			ix[d] = 0
			oa -= sa[d] * outShape[d]
			ob -= sb[d] * outShape[d]
		}
	}
	return out
}

// apply1 evaluates f elementwise.
func apply1(a *Tensor, f func(x float64) float64) *Tensor {
	out := New(a.shape)
	for i, v := range a.data {
		out.data[i] = f(v)
	}
	return out
}

// Add returns the elementwise sum with broadcasting.
func (t *Tensor) Add(other *Tensor) *Tensor {
	return apply2(t, other, func(x, y float64) float64 { return x + y })
}

// Sub returns the elementwise difference with broadcasting.
func (t *Tensor) Sub(other *Tensor) *Tensor {
	return apply2(t, other, func(x, y float64) float64 { return x - y })
}

// Mul returns the elementwise product with broadcasting.
//
// The convention 0 * ±Inf = 0 is used: a zero mask entry annihilates a
// forbidden (-Inf) log-potential instead of producing NaN. This is what
// makes mask application with {0,1} tensors safe in log space.
func (t *Tensor) Mul(other *Tensor) *Tensor {
	return apply2(t, other, func(x, y float64) float64 {
		if x == 0 || y == 0 {
			return 0
		}
		return x * y
	})
}

// Div returns the elementwise quotient with broadcasting.
func (t *Tensor) Div(other *Tensor) *Tensor {
	return apply2(t, other, func(x, y float64) float64 { return x / y })
}

// Maximum returns the elementwise maximum with broadcasting.
func (t *Tensor) Maximum(other *Tensor) *Tensor {
	return apply2(t, other, math.Max)
}

// Neg returns the elementwise negation.
func (t *Tensor) Neg() *Tensor {
	return apply1(t, func(x float64) float64 { return -x })
}

// Exp returns the elementwise exponential.
func (t *Tensor) Exp() *Tensor {
	return apply1(t, math.Exp)
}

// Log returns the elementwise natural logarithm.
func (t *Tensor) Log() *Tensor {
	return apply1(t, math.Log)
}

// AddScalar returns t + s elementwise.
func (t *Tensor) AddScalar(s float64) *Tensor {
	return apply1(t, func(x float64) float64 { return x + s })
}

// MulScalar returns t * s elementwise, with 0 annihilating infinities.
func (t *Tensor) MulScalar(s float64) *Tensor {
	return apply1(t, func(x float64) float64 {
		if s == 0 || x == 0 {
			return 0
		}
		return x * s
	})
}

// Where selects x where cond is nonzero and y elsewhere, broadcasting all
// three operands.
func Where(cond, x, y *Tensor) *Tensor {
	xy, err := BroadcastShapes(x.shape, y.shape)
	if err != nil {
		panic(fmt.Sprintf("tensor: %v", err))
	}
	outShape, err := BroadcastShapes(cond.shape, xy)
	if err != nil {
		panic(fmt.Sprintf("tensor: %v", err))
	}
	out := New(outShape)
	sc := broadcastStrides(cond.shape, outShape)
	sx := broadcastStrides(x.shape, outShape)
	sy := broadcastStrides(y.shape, outShape)
	ix := make([]int, len(outShape))
	oc, ox, oy := 0, 0, 0
	for i := range out.data {
		if cond.data[oc] != 0 {
			out.data[i] = x.data[ox]
		} else {
			out.data[i] = y.data[oy]
		}
		for d := len(outShape) - 1; d >= 0; d-- {
			ix[d]++
			oc += sc[d]
			ox += sx[d]
			oy += sy[d]
			if ix[d] < outShape[d] {
				break
			}
			ix[d] = 0
			oc -= sc[d] * outShape[d]
			ox -= sx[d] * outShape[d]
			oy -= sy[d] * outShape[d]
		}
	}
	return out
}

// IsFinite returns a {0,1} tensor marking finite entries.
func (t *Tensor) IsFinite() *Tensor {
	return apply1(t, func(x float64) float64 {
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return 0
		}
		return 1
	})
}

// LogAddExp returns log(exp(a)+exp(b)) elementwise with the max-shift
// identity, broadcasting.
func LogAddExp(a, b *Tensor) *Tensor {
	return apply2(a, b, logAddExp)
}

func logAddExp(x, y float64) float64 {
	if math.IsInf(x, -1) {
		return y
	}
	if math.IsInf(y, -1) {
		return x
	}
	m := math.Max(x, y)
	return m + math.Log(math.Exp(x-m)+math.Exp(y-m))
}

// AllClose reports whether two tensors have the same shape and elementwise
// values within tol. -Inf matches -Inf.
func AllClose(a, b *Tensor, tol float64) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	for i := range a.data {
		x, y := a.data[i], b.data[i]
		if math.IsInf(x, -1) && math.IsInf(y, -1) {
			continue
		}
		if math.IsInf(x, 1) && math.IsInf(y, 1) {
			continue
		}
		if math.Abs(x-y) > tol {
			return false
		}
	}
	return true
}
