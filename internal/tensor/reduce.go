package tensor

import (
	"fmt"
	"math"
)

// reduceDims splits a shape around the reduced dimension d into
// (outer, size, inner) so that flat index = (o*size + k)*inner + i.
func reduceDims(shape Shape, d int) (outer, size, inner int) {
	if d < 0 || d >= len(shape) {
		panic(fmt.Sprintf("tensor: reduce dim %d out of range for shape %v", d, shape))
	}
	outer, inner = 1, 1
	for i := 0; i < d; i++ {
		outer *= shape[i]
	}
	for i := d + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[d], inner
}

// reducedShape drops dimension d.
func reducedShape(shape Shape, d int) Shape {
	out := make(Shape, 0, len(shape)-1)
	out = append(out, shape[:d]...)
	out = append(out, shape[d+1:]...)
	return out
}

// Sum reduces dimension d by addition.
func (t *Tensor) Sum(d int) *Tensor {
	outer, size, inner := reduceDims(t.shape, d)
	out := New(reducedShape(t.shape, d))
	for o := 0; o < outer; o++ {
		for k := 0; k < size; k++ {
			base := (o*size + k) * inner
			dst := o * inner
			for i := 0; i < inner; i++ {
				out.data[dst+i] += t.data[base+i]
			}
		}
	}
	return out
}

// SumAll returns the sum of all elements.
func (t *Tensor) SumAll() float64 {
	s := 0.0
	for _, v := range t.data {
		s += v
	}
	return s
}

// Max reduces dimension d by maximum and returns, for every output
// element, the index along d where the maximum occurs (ties resolve to the
// lowest index).
func (t *Tensor) Max(d int) (*Tensor, []int) {
	outer, size, inner := reduceDims(t.shape, d)
	out := Full(reducedShape(t.shape, d), math.Inf(-1))
	arg := make([]int, outer*inner)
	for o := 0; o < outer; o++ {
		for k := 0; k < size; k++ {
			base := (o*size + k) * inner
			dst := o * inner
			for i := 0; i < inner; i++ {
				if t.data[base+i] > out.data[dst+i] {
					out.data[dst+i] = t.data[base+i]
					arg[dst+i] = k
				}
			}
		}
	}
	return out, arg
}

// LogSumExp reduces dimension d by log(Σ exp(x)), using the max-shift
// identity so potentials up to ±1e5 neither overflow nor underflow.
func (t *Tensor) LogSumExp(d int) *Tensor {
	maxes, _ := t.Max(d)
	outer, size, inner := reduceDims(t.shape, d)
	out := New(reducedShape(t.shape, d))
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			dst := o*inner + i
			m := maxes.data[dst]
			if math.IsInf(m, -1) {
				out.data[dst] = math.Inf(-1)
				continue
			}
			acc := 0.0
			for k := 0; k < size; k++ {
				acc += math.Exp(t.data[(o*size+k)*inner+i] - m)
			}
			out.data[dst] = m + math.Log(acc)
		}
	}
	return out
}

// Softmax returns exp(x - logsumexp(x)) along dimension d. Rows whose
// log-sum is -Inf produce all-zero probabilities.
func (t *Tensor) Softmax(d int) *Tensor {
	lse := t.LogSumExp(d)
	outer, size, inner := reduceDims(t.shape, d)
	out := New(t.shape)
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			z := lse.data[o*inner+i]
			for k := 0; k < size; k++ {
				src := (o*size + k) * inner
				if math.IsInf(z, -1) {
					out.data[src+i] = 0
					continue
				}
				out.data[src+i] = math.Exp(t.data[src+i] - z)
			}
		}
	}
	return out
}
