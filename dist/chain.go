package dist

import (
	"fmt"

	"github.com/strux-ml/strux/internal/autodiff"
	"github.com/strux-ml/strux/internal/masking"
	"github.com/strux-ml/strux/internal/semiring"
	"github.com/strux-ml/strux/internal/tensor"
)

// LinearChainCRF is a distribution over label sequences y_0..y_{n-1} with
// first-order Markov potentials.
//
// Potentials have shape (B, T, m, m): entry (b, t, i, j) scores the
// transition from label i at step t-1 to label j at step t. Step 0 reads
// only row 0, so (b, 0, 0, j) is the initial score of label j.
//
// Events share the potential shape: a sequence marks one (t, i, j) cell
// per step.
type LinearChainCRF struct {
	engine
	pot     *tensor.Tensor
	lengths []int
}

// NewLinearChainCRF builds the distribution. potentials is (B, T, m, m) or
// (T, m, m); lengths may be nil for full-length sequences.
func NewLinearChainCRF(potentials *tensor.Tensor, lengths []int) (*LinearChainCRF, error) {
	pot, scalar, err := ensureBatch(potentials, 4)
	if err != nil {
		return nil, fmt.Errorf("chain potentials: %w", err)
	}
	shape := pot.Shape()
	if shape[2] != shape[3] {
		return nil, fmt.Errorf("%w: label dims %d x %d must be square", ErrShapeMismatch, shape[2], shape[3])
	}
	lengths, err = normalizeLengths(lengths, shape[0], shape[1])
	if err != nil {
		return nil, err
	}
	d := &LinearChainCRF{pot: pot, lengths: lengths}
	d.engine = engine{r: d, scalarBatch: scalar, warnings: rangeWarnings("chain", pot)}
	return d, nil
}

func (d *LinearChainCRF) run(s semiring.Semiring, counting bool) (runResult, error) {
	shape := d.pot.Shape()
	steps := shape[1]
	pot := d.pot
	if counting {
		pot = countingPotentials(pot)
	}
	pv := autodiff.NewVar(pot)
	lifted := s.Lift(pv) // [S, B, T, m, m]

	// alpha[j] scores all prefixes ending in label j; row 0 of step 0
	// carries the initial scores.
	first := autodiff.Squeeze(autodiff.Narrow(lifted, 2, 0, 1), 2)
	alpha := autodiff.Squeeze(autodiff.Narrow(first, 2, 0, 1), 2) // [S, B, m]

	for t := 1; t < steps; t++ {
		step := autodiff.Squeeze(autodiff.Narrow(lifted, 2, t, 1), 2) // [S, B, m, m]
		prev := autodiff.Unsqueeze(alpha, 3)                          // [S, B, m, 1]
		next := s.Sum(s.Mul(prev, step), 2)                           // [S, B, m]
		// Finished sequences freeze their cell so padded steps never
		// contribute potentials.
		active := masking.Step(d.lengths, t).Unsqueeze(1) // (B, 1)
		alpha = autodiff.Where(active, next, alpha)
	}

	root := s.Sum(alpha, 2) // [S, B]
	return runResult{root: root, event: pv, params: []*autodiff.Var{pv}, batchedParams: true}, nil
}

func (d *LinearChainCRF) score(event *tensor.Tensor) (*tensor.Tensor, error) {
	return linearEventScore(event, d.pot)
}

func (d *LinearChainCRF) signature() string {
	return fmt.Sprintf("chain/%v/%v", d.pot.Shape(), d.lengths)
}

// NewHMM builds a hidden Markov model conditioned on an observation batch,
// as a linear-chain CRF over the latent state sequences.
//
//	initial:    (m)     log p(y_0)
//	transition: (m, m)  log p(y_t | y_{t-1})
//	emission:   (m, V)  log p(x_t | y_t)
//
// observations holds vocabulary indices, padded past each length. All
// queries then range over state sequences given the observations; the
// log-partition is the observation likelihood log p(x).
func NewHMM(initial, transition, emission *tensor.Tensor, observations [][]int, lengths []int) (*LinearChainCRF, error) {
	if initial.Rank() != 1 || transition.Rank() != 2 || emission.Rank() != 2 {
		return nil, fmt.Errorf("%w: want initial (m), transition (m, m), emission (m, V)", ErrShapeMismatch)
	}
	m := initial.Shape()[0]
	vocab := emission.Shape()[1]
	if transition.Shape()[0] != m || transition.Shape()[1] != m || emission.Shape()[0] != m {
		return nil, fmt.Errorf("%w: state dims disagree (m=%d)", ErrShapeMismatch, m)
	}
	batch := len(observations)
	if batch == 0 {
		return nil, fmt.Errorf("%w: empty observation batch", ErrShapeMismatch)
	}
	steps := len(observations[0])
	pot := tensor.NegInf(tensor.Shape{batch, steps, m, m})
	pd := pot.Data()
	for b := 0; b < batch; b++ {
		if len(observations[b]) != steps {
			return nil, fmt.Errorf("%w: ragged observation rows (%d vs %d)", ErrShapeMismatch, len(observations[b]), steps)
		}
		for t := 0; t < steps; t++ {
			x := observations[b][t]
			if x < 0 || x >= vocab {
				return nil, fmt.Errorf("%w: observation %d outside vocabulary [0, %d)", ErrShapeMismatch, x, vocab)
			}
			for j := 0; j < m; j++ {
				emit := emission.At(j, x)
				if t == 0 {
					pd[((b*steps)*m+0)*m+j] = initial.At(j) + emit
					continue
				}
				for i := 0; i < m; i++ {
					pd[((b*steps+t)*m+i)*m+j] = transition.At(i, j) + emit
				}
			}
		}
	}
	return NewLinearChainCRF(pot, lengths)
}
