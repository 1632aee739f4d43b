// Package tensor implements a dense, row-major float64 tensor.
//
// The package is the numeric substrate for the structured-distribution
// dynamic programs: shapes with strides, NumPy-style broadcasting,
// elementwise arithmetic, dimension reductions with a numerically stable
// log-sum-exp, and the slicing/stacking ops the recurrences are built from.
// All operations are pure: they allocate a new tensor and never mutate
// their inputs (in-place mutation would corrupt gradient tracking in the
// autodiff layer above).
package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Tensor is a dense float64 array with row-major layout.
type Tensor struct {
	data  []float64
	shape Shape
}

// New creates a zero-initialized tensor with the given shape.
func New(shape Shape) *Tensor {
	if err := shape.Validate(); err != nil {
		panic(fmt.Sprintf("tensor.New: %v", err))
	}
	return &Tensor{
		data:  make([]float64, shape.NumElements()),
		shape: shape.Clone(),
	}
}

// FromSlice creates a tensor from a Go slice. The slice is copied.
func FromSlice(data []float64, shape Shape) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	t := New(shape)
	copy(t.data, data)
	return t, nil
}

// Scalar creates a rank-0 tensor holding a single value.
func Scalar(v float64) *Tensor {
	t := New(Shape{})
	t.data[0] = v
	return t
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape Shape) *Tensor {
	return New(shape)
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape) *Tensor {
	return Full(shape, 1)
}

// Full creates a tensor filled with a specific value.
func Full(shape Shape, v float64) *Tensor {
	t := New(shape)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// NegInf creates a tensor filled with -Inf, the log-space zero.
func NegInf(shape Shape) *Tensor {
	return Full(shape, math.Inf(-1))
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return len(t.data)
}

// Data returns the underlying storage. Callers must not retain the slice
// across operations that assume immutability.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.shape)
	copy(out.data, t.data)
	return out
}

// flatIndex converts a multi-index to a flat offset.
func (t *Tensor) flatIndex(ix []int) int {
	if len(ix) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d does not match shape %v", len(ix), t.shape))
	}
	strides := t.shape.ComputeStrides()
	offset := 0
	for i, v := range ix {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", ix, t.shape))
		}
		offset += v * strides[i]
	}
	return offset
}

// At returns the element at the given multi-index.
func (t *Tensor) At(ix ...int) float64 {
	return t.data[t.flatIndex(ix)]
}

// Set assigns the element at the given multi-index.
func (t *Tensor) Set(v float64, ix ...int) {
	t.data[t.flatIndex(ix)] = v
}

// Reshape returns a view-copy with a new shape of equal element count.
func (t *Tensor) Reshape(shape Shape) *Tensor {
	if shape.NumElements() != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.shape, shape))
	}
	out := &Tensor{data: make([]float64, len(t.data)), shape: shape.Clone()}
	copy(out.data, t.data)
	return out
}

// String renders a compact representation for debugging.
func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%v[", t.shape)
	limit := len(t.data)
	if limit > 16 {
		limit = 16
	}
	for i := 0; i < limit; i++ {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%.4g", t.data[i])
	}
	if limit < len(t.data) {
		sb.WriteString(" ...")
	}
	sb.WriteString("]")
	return sb.String()
}
