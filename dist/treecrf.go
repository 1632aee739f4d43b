package dist

import (
	"fmt"

	"github.com/strux-ml/strux/internal/autodiff"
	"github.com/strux-ml/strux/internal/masking"
	"github.com/strux-ml/strux/internal/semiring"
	"github.com/strux-ml/strux/internal/tensor"
)

// TreeCRF is a distribution over labeled binary constituency trees.
//
// Potentials have shape (B, n, n, L): entry (b, i, j, l) scores the span of
// words i..j inclusive carrying label l. A tree over a length-k sentence
// has exactly 2k-1 labeled spans (every leaf span (i, i) included), and an
// event marks each of them.
type TreeCRF struct {
	engine
	pot     *tensor.Tensor
	lengths []int
}

// NewTreeCRF builds the distribution over (B, n, n, L) or (n, n, L)
// potentials. lengths gives words per entry, nil for n.
func NewTreeCRF(potentials *tensor.Tensor, lengths []int) (*TreeCRF, error) {
	pot, scalar, err := ensureBatch(potentials, 4)
	if err != nil {
		return nil, fmt.Errorf("span potentials: %w", err)
	}
	shape := pot.Shape()
	if shape[1] != shape[2] {
		return nil, fmt.Errorf("%w: span axes %d x %d must agree", ErrShapeMismatch, shape[1], shape[2])
	}
	lengths, err = normalizeLengths(lengths, shape[0], shape[1])
	if err != nil {
		return nil, err
	}
	d := &TreeCRF{pot: pot, lengths: lengths}
	d.engine = engine{r: d, scalarBatch: scalar, warnings: rangeWarnings("treecrf", pot)}
	return d, nil
}

func (d *TreeCRF) run(s semiring.Semiring, counting bool) (runResult, error) {
	shape := d.pot.Shape()
	n := shape[1]
	pot := d.pot
	if counting {
		pot = countingPotentials(pot)
	}
	pv := autodiff.NewVar(pot)
	labeled := s.Sum(s.Lift(pv), 4) // [S, B, n, n], label choice folded in

	span := func(i, j int) *autodiff.Var {
		v := autodiff.Narrow(autodiff.Narrow(labeled, 2, i, 1), 3, j, 1)
		return autodiff.Squeeze(autodiff.Squeeze(v, 3), 2) // [S, B]
	}

	inside := make([][]*autodiff.Var, n)
	for i := range inside {
		inside[i] = make([]*autodiff.Var, n)
		inside[i][i] = span(i, i)
	}
	for width := 2; width <= n; width++ {
		for i := 0; i+width <= n; i++ {
			j := i + width - 1
			splits := make([]*autodiff.Var, 0, width-1)
			for k := i; k < j; k++ {
				splits = append(splits, s.Mul(inside[i][k], inside[k+1][j]))
			}
			inside[i][j] = s.Mul(span(i, j), semiring.SumVars(s, splits))
		}
	}

	finals := make([]*autodiff.Var, n)
	for k := 0; k < n; k++ {
		finals[k] = inside[0][k]
	}
	sel := masking.Final(d.lengths, n)
	root := s.Sum(s.Mask(autodiff.Stack(finals, 2), sel), 2) // [S, B]
	return runResult{root: root, event: pv, params: []*autodiff.Var{pv}, batchedParams: true}, nil
}

func (d *TreeCRF) score(event *tensor.Tensor) (*tensor.Tensor, error) {
	return linearEventScore(event, d.pot)
}

func (d *TreeCRF) signature() string {
	return fmt.Sprintf("treecrf/%v/%v", d.pot.Shape(), d.lengths)
}

// MBRDecode returns the minimum-Bayes-risk tree: the tree maximizing the
// marginal mass of its spans, each chosen span taking its most probable
// label. marginalizeLabels scores a candidate span by its summed label
// mass; false scores it by its best single label instead.
func (d *TreeCRF) MBRDecode(marginalizeLabels bool) (*tensor.Tensor, error) {
	marg, err := d.Marginals()
	if err != nil {
		return nil, err
	}
	if d.scalarBatch {
		marg = marg.Unsqueeze(0)
	}
	return d.shed(mbrFromSpanMarginals(marg, d.lengths, marginalizeLabels)), nil
}
