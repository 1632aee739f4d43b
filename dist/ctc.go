package dist

import (
	"fmt"

	"github.com/strux-ml/strux/internal/autodiff"
	"github.com/strux-ml/strux/internal/masking"
	"github.com/strux-ml/strux/internal/semiring"
	"github.com/strux-ml/strux/internal/tensor"
)

// CTC is a distribution over the alignments of a label sequence to a frame
// sequence under the connectionist temporal classification topology: the
// labels are interleaved with blanks, and an alignment may stay on a state,
// advance by one, or skip a blank between two distinct labels.
//
// logits has shape (B, T, V) with per-frame log-scores over the vocabulary
// (unnormalized is fine). labels[b] lists the target symbols of entry b.
// The extended state space has U = 2L+1 states per entry, blanks at even
// positions; events have shape (B, T, U) and mark the state occupied at
// each frame. The log-partition is the total alignment score of the
// labeling, so Loss is the usual CTC loss.
type CTC struct {
	engine
	logits   *tensor.Tensor
	labels   [][]int
	lengths  []int
	blank    int
	ext      [][]int // blank-interleaved labels, padded with blank
	extLen   []int   // 2*len(labels[b]) + 1
	width    int     // max extLen
	gathered *tensor.Tensor
}

// NewCTC builds the distribution. logits is (B, T, V) or (T, V) with
// labels then a single row. lengths gives frames per entry, nil for T.
func NewCTC(logits *tensor.Tensor, labels [][]int, lengths []int, blank int) (*CTC, error) {
	lg, scalar, err := ensureBatch(logits, 3)
	if err != nil {
		return nil, fmt.Errorf("ctc logits: %w", err)
	}
	shape := lg.Shape()
	batch, vocab := shape[0], shape[2]
	if blank < 0 || blank >= vocab {
		return nil, fmt.Errorf("%w: blank %d outside vocabulary [0, %d)", ErrShapeMismatch, blank, vocab)
	}
	if len(labels) != batch {
		return nil, fmt.Errorf("%w: %d label rows for batch %d", ErrShapeMismatch, len(labels), batch)
	}
	lengths, err = normalizeLengths(lengths, batch, shape[1])
	if err != nil {
		return nil, err
	}

	width := 1
	extLen := make([]int, batch)
	for b, row := range labels {
		for _, v := range row {
			if v < 0 || v >= vocab {
				return nil, fmt.Errorf("%w: label %d outside vocabulary [0, %d)", ErrShapeMismatch, v, vocab)
			}
			if v == blank {
				return nil, fmt.Errorf("%w: labels must not contain the blank symbol", ErrShapeMismatch)
			}
		}
		extLen[b] = 2*len(row) + 1
		if extLen[b] > width {
			width = extLen[b]
		}
	}
	ext := make([][]int, batch)
	for b, row := range labels {
		ext[b] = make([]int, width)
		for u := range ext[b] {
			if u < extLen[b] && u%2 == 1 {
				ext[b][u] = row[(u-1)/2]
			} else {
				ext[b][u] = blank
			}
		}
	}

	d := &CTC{
		logits: lg, labels: labels, lengths: lengths, blank: blank,
		ext: ext, extLen: extLen, width: width,
	}
	g, err := autodiff.GatherLast(autodiff.Constant(lg), ext)
	if err != nil {
		return nil, err
	}
	d.gathered = g.Value()
	d.engine = engine{r: d, scalarBatch: scalar, warnings: rangeWarnings("ctc", lg)}
	return d, nil
}

// stateMask marks extended states below each entry's state count.
func (d *CTC) stateMask() *tensor.Tensor {
	return masking.Sequence(d.extLen, d.width)
}

// skipMask marks states reachable by the blank-skipping transition: odd
// positions whose label differs from the label two states back.
func (d *CTC) skipMask() *tensor.Tensor {
	batch := len(d.labels)
	out := tensor.Zeros(tensor.Shape{batch, d.width})
	for b, row := range d.labels {
		for u := 3; u < d.extLen[b]; u += 2 {
			if row[(u-1)/2] != row[(u-3)/2] {
				out.Set(1, b, u)
			}
		}
	}
	return out
}

// finalMask marks the two admissible terminal states: the last label and
// the trailing blank.
func (d *CTC) finalMask() *tensor.Tensor {
	batch := len(d.labels)
	out := tensor.Zeros(tensor.Shape{batch, d.width})
	for b := range d.labels {
		last := d.extLen[b] - 1
		out.Set(1, b, last)
		if last > 0 {
			out.Set(1, b, last-1)
		}
	}
	return out
}

// shiftStates moves alpha k extended states to the right, ⊕-zero filling.
func shiftStates(s semiring.Semiring, alpha *autodiff.Var, batch, width, k int) *autodiff.Var {
	if width <= k {
		return s.Zeros(tensor.Shape{batch, width})
	}
	pad := s.Zeros(tensor.Shape{batch, k})
	return autodiff.Cat([]*autodiff.Var{pad, autodiff.Narrow(alpha, 2, 0, width-k)}, 2)
}

func (d *CTC) run(s semiring.Semiring, counting bool) (runResult, error) {
	shape := d.logits.Shape()
	batch, steps := shape[0], shape[1]
	lg := d.logits
	if counting {
		lg = countingPotentials(lg)
	}
	lv := autodiff.NewVar(lg)
	g, err := autodiff.GatherLast(lv, d.ext)
	if err != nil {
		return runResult{}, err
	}
	lifted := s.Mask(s.Lift(g), d.stateMask().Unsqueeze(1)) // [S, B, T, U]
	skip := d.skipMask()

	// A path starts on the leading blank or the first label.
	start := tensor.Zeros(tensor.Shape{batch, d.width})
	for b := 0; b < batch; b++ {
		start.Set(1, b, 0)
		if d.extLen[b] > 1 {
			start.Set(1, b, 1)
		}
	}
	first := autodiff.Squeeze(autodiff.Narrow(lifted, 2, 0, 1), 2) // [S, B, U]
	alpha := s.Mask(first, start)

	for t := 1; t < steps; t++ {
		stay := alpha
		advance := shiftStates(s, alpha, batch, d.width, 1)
		skipped := s.Mask(shiftStates(s, alpha, batch, d.width, 2), skip)
		incoming := semiring.SumVars(s, []*autodiff.Var{stay, advance, skipped})
		frame := autodiff.Squeeze(autodiff.Narrow(lifted, 2, t, 1), 2)
		next := s.Mul(frame, incoming)
		active := masking.Step(d.lengths, t).Unsqueeze(1)
		alpha = autodiff.Where(active, next, alpha)
	}

	root := s.Sum(s.Mask(alpha, d.finalMask()), 2) // [S, B]
	return runResult{root: root, event: g, params: []*autodiff.Var{lv}, batchedParams: true}, nil
}

// score computes <event, gathered logits> over (B, T, U) events.
func (d *CTC) score(event *tensor.Tensor) (*tensor.Tensor, error) {
	return linearEventScore(event, d.gathered)
}

func (d *CTC) signature() string {
	return fmt.Sprintf("ctc/%v/%v/%v/%d", d.logits.Shape(), d.labels, d.lengths, d.blank)
}

// Loss returns -log p(labels | logits) per batch entry, the CTC training
// objective.
func (d *CTC) Loss() (*tensor.Tensor, error) {
	lp, err := d.LogPartition()
	if err != nil {
		return nil, err
	}
	return lp.Neg(), nil
}
