package dist

import (
	"fmt"

	"github.com/strux-ml/strux/internal/autodiff"
	"github.com/strux-ml/strux/internal/masking"
	"github.com/strux-ml/strux/internal/semiring"
	"github.com/strux-ml/strux/internal/tensor"
)

// AlignmentMode selects the set of monotone alignments the distribution
// ranges over.
type AlignmentMode int

const (
	// OneToMany aligns every source position to exactly one target and
	// every target to at least one source: staircase paths with down and
	// down-right moves. Requires n >= m to be non-empty.
	OneToMany AlignmentMode = iota
	// ManyToMany additionally allows right moves, so a source may align to
	// several consecutive targets as well.
	ManyToMany
)

// MonotoneAlignmentCRF is a distribution over monotone alignments between a
// source sequence of length n and a target sequence of length m.
//
// Potentials have shape (B, n, m); entry (b, i, j) scores aligning source i
// to target j. An event marks every aligned cell, which is exactly the set
// of cells on one monotone path from (0, 0) to (n-1, m-1).
type MonotoneAlignmentCRF struct {
	engine
	pot        *tensor.Tensor
	rows, cols []int
	mode       AlignmentMode
}

// NewMonotoneAlignmentCRF builds the distribution over (B, n, m) or (n, m)
// potentials. rows and cols are per-batch source and target lengths; nil
// means full length.
func NewMonotoneAlignmentCRF(potentials *tensor.Tensor, rows, cols []int, mode AlignmentMode) (*MonotoneAlignmentCRF, error) {
	if mode != OneToMany && mode != ManyToMany {
		return nil, fmt.Errorf("%w: unknown alignment mode %d", ErrUnsupportedQuery, mode)
	}
	pot, scalar, err := ensureBatch(potentials, 3)
	if err != nil {
		return nil, fmt.Errorf("alignment potentials: %w", err)
	}
	shape := pot.Shape()
	rows, err = normalizeLengths(rows, shape[0], shape[1])
	if err != nil {
		return nil, err
	}
	cols, err = normalizeLengths(cols, shape[0], shape[2])
	if err != nil {
		return nil, err
	}
	d := &MonotoneAlignmentCRF{pot: pot, rows: rows, cols: cols, mode: mode}
	d.engine = engine{r: d, scalarBatch: scalar, warnings: rangeWarnings("alignment", pot)}
	return d, nil
}

// shiftRight moves a [S, B, m] row one target position to the right,
// feeding ⊕-zero in at column 0.
func shiftRight(s semiring.Semiring, row *autodiff.Var, batch, m int) *autodiff.Var {
	if m == 1 {
		return s.Zeros(tensor.Shape{batch, 1})
	}
	pad := s.Zeros(tensor.Shape{batch, 1})
	return autodiff.Cat([]*autodiff.Var{pad, autodiff.Narrow(row, 2, 0, m-1)}, 2)
}

func (d *MonotoneAlignmentCRF) run(s semiring.Semiring, counting bool) (runResult, error) {
	shape := d.pot.Shape()
	batch, n, m := shape[0], shape[1], shape[2]
	pot := d.pot
	if counting {
		pot = countingPotentials(pot)
	}
	pv := autodiff.NewVar(pot)
	lifted := s.Mask(s.Lift(pv), masking.Grid(d.rows, d.cols, n, m)) // [S, B, n, m]

	rows := make([]*autodiff.Var, n)
	var prev *autodiff.Var
	for i := 0; i < n; i++ {
		potRow := autodiff.Squeeze(autodiff.Narrow(lifted, 2, i, 1), 2) // [S, B, m]
		var incoming *autodiff.Var
		if i == 0 {
			// Paths start at (0, 0).
			start := s.Ones(tensor.Shape{batch, 1})
			if m > 1 {
				start = autodiff.Cat([]*autodiff.Var{start, s.Zeros(tensor.Shape{batch, m - 1})}, 2)
			}
			incoming = start
		} else {
			incoming = semiring.SumVars(s, []*autodiff.Var{prev, shiftRight(s, prev, batch, m)})
		}
		var row *autodiff.Var
		if d.mode == OneToMany {
			row = s.Mul(potRow, incoming)
		} else {
			// Right moves stay within the row, so columns fill sequentially.
			cells := make([]*autodiff.Var, m)
			for j := 0; j < m; j++ {
				in := autodiff.Narrow(incoming, 2, j, 1)
				if j > 0 {
					in = semiring.SumVars(s, []*autodiff.Var{in, cells[j-1]})
				}
				cells[j] = s.Mul(autodiff.Narrow(potRow, 2, j, 1), in)
			}
			row = autodiff.Cat(cells, 2)
		}
		rows[i] = row
		prev = row
	}

	chart := autodiff.Stack(rows, 2) // [S, B, n, m]
	final := s.Mask(chart, finalCellMask(d.rows, d.cols, n, m))
	root := s.Sum(s.Sum(final, 3), 2) // [S, B]
	return runResult{root: root, event: pv, params: []*autodiff.Var{pv}, batchedParams: true}, nil
}

// finalCellMask marks cell (rows[b]-1, cols[b]-1) per batch entry.
func finalCellMask(rows, cols []int, n, m int) *tensor.Tensor {
	out := tensor.Zeros(tensor.Shape{len(rows), n, m})
	for b := range rows {
		out.Set(1, b, rows[b]-1, cols[b]-1)
	}
	return out
}

func (d *MonotoneAlignmentCRF) score(event *tensor.Tensor) (*tensor.Tensor, error) {
	return linearEventScore(event, d.pot)
}

func (d *MonotoneAlignmentCRF) signature() string {
	return fmt.Sprintf("alignment/%d/%v/%v/%v", d.mode, d.pot.Shape(), d.rows, d.cols)
}
