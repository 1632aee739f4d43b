package autodiff

import (
	"fmt"

	"github.com/strux-ml/strux/internal/tensor"
)

// gatherLastOp scatter-adds the gradient back through the index map.
type gatherLastOp struct {
	in  tensor.Shape
	idx [][]int
}

func (op *gatherLastOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	batch, steps, vocab := op.in[0], op.in[1], op.in[2]
	width := len(op.idx[0])
	grad := tensor.Zeros(op.in)
	gd := g.Data()
	dst := grad.Data()
	for b := 0; b < batch; b++ {
		for t := 0; t < steps; t++ {
			for u := 0; u < width; u++ {
				v := op.idx[b][u]
				dst[(b*steps+t)*vocab+v] += gd[(b*steps+t)*width+u]
			}
		}
	}
	return []*tensor.Tensor{grad}
}

// GatherLast builds out[b, t, u] = x[b, t, idx[b][u]] from x of shape
// (B, T, V). The CTC family uses it to project per-frame vocabulary scores
// onto the blank-interleaved label sequence.
func GatherLast(x *Var, idx [][]int) (*Var, error) {
	shape := x.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("GatherLast: want shape (B, T, V), got %v", shape)
	}
	batch, steps, vocab := shape[0], shape[1], shape[2]
	if len(idx) != batch {
		return nil, fmt.Errorf("GatherLast: index batch %d != tensor batch %d", len(idx), batch)
	}
	width := len(idx[0])
	out := tensor.New(tensor.Shape{batch, steps, width})
	src := x.value.Data()
	od := out.Data()
	for b := 0; b < batch; b++ {
		if len(idx[b]) != width {
			return nil, fmt.Errorf("GatherLast: ragged index rows (%d vs %d)", len(idx[b]), width)
		}
		for u, v := range idx[b] {
			if v < 0 || v >= vocab {
				return nil, fmt.Errorf("GatherLast: index %d out of range [0, %d)", v, vocab)
			}
			for t := 0; t < steps; t++ {
				od[(b*steps+t)*width+u] = src[(b*steps+t)*vocab+v]
			}
		}
	}
	return newResult(out, &gatherLastOp{shape.Clone(), idx}, x), nil
}

// selectColumnsOp scatter-adds the gradient into the selected columns.
type selectColumnsOp struct {
	in  tensor.Shape
	idx [][]int
}

func (op *selectColumnsOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	rows, cols := op.in[0], op.in[1]
	_ = cols
	batch := len(op.idx)
	n := len(op.idx[0])
	grad := tensor.Zeros(op.in)
	gd := g.Data()
	dst := grad.Data()
	for b := 0; b < batch; b++ {
		for i := 0; i < n; i++ {
			w := op.idx[b][i]
			for r := 0; r < rows; r++ {
				dst[r*op.in[1]+w] += gd[(b*n+i)*rows+r]
			}
		}
	}
	return []*tensor.Tensor{grad}
}

// SelectColumns builds out[b, i, r] = w[r, idx[b][i]] from w of shape
// (R, V). The grammar families use it to look up per-word emission scores
// while keeping the emission table differentiable (expected counts flow
// back for cross-entropy).
func SelectColumns(w *Var, idx [][]int) (*Var, error) {
	shape := w.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("SelectColumns: want shape (R, V), got %v", shape)
	}
	rows, vocab := shape[0], shape[1]
	batch := len(idx)
	if batch == 0 {
		return nil, fmt.Errorf("SelectColumns: empty index")
	}
	n := len(idx[0])
	out := tensor.New(tensor.Shape{batch, n, rows})
	src := w.value.Data()
	od := out.Data()
	for b := 0; b < batch; b++ {
		if len(idx[b]) != n {
			return nil, fmt.Errorf("SelectColumns: ragged index rows (%d vs %d)", len(idx[b]), n)
		}
		for i, v := range idx[b] {
			if v < 0 || v >= vocab {
				return nil, fmt.Errorf("SelectColumns: index %d out of range [0, %d)", v, vocab)
			}
			for r := 0; r < rows; r++ {
				od[(b*n+i)*rows+r] = src[r*vocab+v]
			}
		}
	}
	return newResult(out, &selectColumnsOp{shape.Clone(), idx}, w), nil
}
