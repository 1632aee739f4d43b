package tensor

import "fmt"

// Narrow returns the slice [start, start+length) along dimension d.
func (t *Tensor) Narrow(d, start, length int) *Tensor {
	if d < 0 || d >= len(t.shape) {
		panic(fmt.Sprintf("tensor: narrow dim %d out of range for shape %v", d, t.shape))
	}
	if start < 0 || length <= 0 || start+length > t.shape[d] {
		panic(fmt.Sprintf("tensor: narrow [%d,%d) out of range for dim %d of shape %v", start, start+length, d, t.shape))
	}
	outShape := t.shape.Clone()
	outShape[d] = length
	out := New(outShape)
	outer, size, inner := reduceDims(t.shape, d)
	_ = size
	for o := 0; o < outer; o++ {
		for k := 0; k < length; k++ {
			src := (o*t.shape[d] + start + k) * inner
			dst := (o*length + k) * inner
			copy(out.data[dst:dst+inner], t.data[src:src+inner])
		}
	}
	return out
}

// Cat concatenates tensors along dimension d. All shapes must agree except
// along d.
func Cat(tensors []*Tensor, d int) *Tensor {
	if len(tensors) == 0 {
		panic("tensor: cat of zero tensors")
	}
	outShape := tensors[0].shape.Clone()
	total := 0
	for _, t := range tensors {
		if len(t.shape) != len(outShape) {
			panic("tensor: cat rank mismatch")
		}
		for i := range t.shape {
			if i != d && t.shape[i] != outShape[i] {
				panic(fmt.Sprintf("tensor: cat shape mismatch %v vs %v along dim %d", t.shape, outShape, d))
			}
		}
		total += t.shape[d]
	}
	outShape[d] = total
	out := New(outShape)
	outer, _, inner := reduceDims(outShape, d)
	offset := 0
	for _, t := range tensors {
		size := t.shape[d]
		for o := 0; o < outer; o++ {
			src := o * size * inner
			dst := (o*total + offset) * inner
			copy(out.data[dst:dst+size*inner], t.data[src:src+size*inner])
		}
		offset += size
	}
	return out
}

// Stack concatenates tensors of identical shape along a new dimension d.
func Stack(tensors []*Tensor, d int) *Tensor {
	if len(tensors) == 0 {
		panic("tensor: stack of zero tensors")
	}
	expanded := make([]*Tensor, len(tensors))
	for i, t := range tensors {
		if !t.shape.Equal(tensors[0].shape) {
			panic(fmt.Sprintf("tensor: stack shape mismatch %v vs %v", t.shape, tensors[0].shape))
		}
		expanded[i] = t.Unsqueeze(d)
	}
	return Cat(expanded, d)
}

// Unsqueeze inserts a size-1 dimension at position d.
func (t *Tensor) Unsqueeze(d int) *Tensor {
	if d < 0 || d > len(t.shape) {
		panic(fmt.Sprintf("tensor: unsqueeze dim %d out of range for shape %v", d, t.shape))
	}
	outShape := make(Shape, 0, len(t.shape)+1)
	outShape = append(outShape, t.shape[:d]...)
	outShape = append(outShape, 1)
	outShape = append(outShape, t.shape[d:]...)
	return t.Reshape(outShape)
}

// Squeeze removes the size-1 dimension at position d.
func (t *Tensor) Squeeze(d int) *Tensor {
	if d < 0 || d >= len(t.shape) || t.shape[d] != 1 {
		panic(fmt.Sprintf("tensor: cannot squeeze dim %d of shape %v", d, t.shape))
	}
	return t.Reshape(reducedShape(t.shape, d))
}

// Transpose swaps dimensions d0 and d1, materializing the result.
func (t *Tensor) Transpose(d0, d1 int) *Tensor {
	if d0 == d1 {
		return t.Clone()
	}
	outShape := t.shape.Clone()
	outShape[d0], outShape[d1] = outShape[d1], outShape[d0]
	out := New(outShape)
	inStrides := t.shape.ComputeStrides()
	perm := make([]int, len(t.shape))
	for i := range perm {
		perm[i] = i
	}
	perm[d0], perm[d1] = perm[d1], perm[d0]
	ix := make([]int, len(outShape))
	for i := range out.data {
		src := 0
		for d, v := range ix {
			src += v * inStrides[perm[d]]
		}
		out.data[i] = t.data[src]
		for d := len(outShape) - 1; d >= 0; d-- {
			ix[d]++
			if ix[d] < outShape[d] {
				break
			}
			ix[d] = 0
		}
	}
	return out
}

// DiagEmbed expands the last dimension (B..., n) into a diagonal matrix
// (B..., n, n).
func (t *Tensor) DiagEmbed() *Tensor {
	n := t.shape[len(t.shape)-1]
	outShape := append(t.shape.Clone(), n)
	out := New(outShape)
	batch := t.NumElements() / n
	for b := 0; b < batch; b++ {
		for i := 0; i < n; i++ {
			out.data[b*n*n+i*n+i] = t.data[b*n+i]
		}
	}
	return out
}

// TakeDiag extracts the diagonal of the trailing (n, n) dimensions,
// producing (B..., n). It is the adjoint of DiagEmbed.
func (t *Tensor) TakeDiag() *Tensor {
	r := len(t.shape)
	n := t.shape[r-1]
	if t.shape[r-2] != n {
		panic(fmt.Sprintf("tensor: TakeDiag needs square trailing dims, got %v", t.shape))
	}
	out := New(t.shape[:r-1].Clone())
	batch := out.NumElements() / n
	for b := 0; b < batch; b++ {
		for i := 0; i < n; i++ {
			out.data[b*n+i] = t.data[b*n*n+i*n+i]
		}
	}
	return out
}

// BroadcastTo materializes t at the given broadcast-compatible shape.
func (t *Tensor) BroadcastTo(shape Shape) *Tensor {
	out := New(shape)
	st := broadcastStrides(t.shape, shape)
	ix := make([]int, len(shape))
	off := 0
	for i := range out.data {
		out.data[i] = t.data[off]
		for d := len(shape) - 1; d >= 0; d-- {
			ix[d]++
			off += st[d]
			if ix[d] < shape[d] {
				break
			}
			ix[d] = 0
			off -= st[d] * shape[d]
		}
	}
	return out
}
