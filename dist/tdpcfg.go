package dist

import (
	"fmt"

	"github.com/strux-ml/strux/internal/autodiff"
	"github.com/strux-ml/strux/internal/masking"
	"github.com/strux-ml/strux/internal/semiring"
	"github.com/strux-ml/strux/internal/tensor"
)

// TDPCFG is a distribution over parse trees under a tensor-decomposed
// PCFG: the binary-rule tensor is factored through a rank space R,
//
//	rule(A -> B C) = logsumexp_r head(A, r) + left(r, B) + right(r, C)
//
// which drops the inside pass from O(n^3 P^3) to O(n^3 R P). The factors
// are:
//
//	root:  (NT)     start scores
//	head:  (NT, R)  parent-to-rank scores
//	left:  (R, P)   rank-to-left-child scores
//	right: (R, P)   rank-to-right-child scores
//	emissions: (T, V)
//
// Because the rank variable is summed per rule, Viterbi-style queries over
// the rank-space recurrence would maximize over (tree, rank assignment)
// rather than trees, so Argmax, TopK and Entropy report
// ErrUnsupportedQuery; use MBRDecode for decoding. Log-partition,
// marginals, sampling, counting and the cross-distribution queries are
// exact.
type TDPCFG struct {
	engine
	root      *tensor.Tensor
	head      *tensor.Tensor
	left      *tensor.Tensor
	right     *tensor.Tensor
	emissions *tensor.Tensor
	words     [][]int
	padded    [][]int
	lengths   []int
	nt, t, rank, n int
}

// NewTDPCFG builds the distribution for a word batch under the factored
// grammar.
func NewTDPCFG(root, head, left, right, emissions *tensor.Tensor, words [][]int) (*TDPCFG, error) {
	if root.Rank() != 1 || head.Rank() != 2 || left.Rank() != 2 || right.Rank() != 2 || emissions.Rank() != 2 {
		return nil, fmt.Errorf("%w: want root (NT), head (NT, R), left/right (R, P), emissions (T, V)", ErrShapeMismatch)
	}
	nt := root.Shape()[0]
	t := emissions.Shape()[0]
	p := nt + t
	rank := head.Shape()[1]
	vocab := emissions.Shape()[1]
	if head.Shape()[0] != nt {
		return nil, fmt.Errorf("%w: head %v, want (%d, %d)", ErrShapeMismatch, head.Shape(), nt, rank)
	}
	if left.Shape()[0] != rank || left.Shape()[1] != p || right.Shape()[0] != rank || right.Shape()[1] != p {
		return nil, fmt.Errorf("%w: left/right must be (%d, %d)", ErrShapeMismatch, rank, p)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: empty sentence batch", ErrShapeMismatch)
	}
	n := 0
	lengths := make([]int, len(words))
	for b, row := range words {
		if len(row) == 0 {
			return nil, fmt.Errorf("%w: sentence %d is empty", ErrInvalidLength, b)
		}
		for _, w := range row {
			if w < 0 || w >= vocab {
				return nil, fmt.Errorf("%w: word %d outside vocabulary [0, %d)", ErrShapeMismatch, w, vocab)
			}
		}
		lengths[b] = len(row)
		if len(row) > n {
			n = len(row)
		}
	}
	padded := make([][]int, len(words))
	for b, row := range words {
		padded[b] = make([]int, n)
		copy(padded[b], row)
	}
	d := &TDPCFG{
		root: root, head: head, left: left, right: right, emissions: emissions,
		words: words, padded: padded, lengths: lengths,
		nt: nt, t: t, rank: rank, n: n,
	}
	warnings := append(rangeWarnings("tdpcfg head", head), rangeWarnings("tdpcfg left", left)...)
	warnings = append(warnings, rangeWarnings("tdpcfg right", right)...)
	d.engine = engine{r: d, warnings: warnings}
	return d, nil
}

func (d *TDPCFG) run(s semiring.Semiring, counting bool) (runResult, error) {
	switch s.(type) {
	case semiring.Log, semiring.Sample:
	default:
		return runResult{}, fmt.Errorf("%w: rank-space recurrences sum over latent ranks; max-style semirings would score (tree, rank) pairs", ErrUnsupportedQuery)
	}
	if counting {
		// Zeroing the factors independently would count (tree, rank)
		// assignments: every rule application picks up logsumexp_r 0 = log R.
		return runResult{}, fmt.Errorf("%w: counting runs on the densified grammar", ErrUnsupportedQuery)
	}
	batch, n, p := len(d.words), d.n, d.nt+d.t
	rootV := autodiff.NewVar(d.root)
	headV := autodiff.NewVar(d.head)
	leftV := autodiff.NewVar(d.left)
	rightV := autodiff.NewVar(d.right)
	emitV := autodiff.NewVar(d.emissions)
	spanV := autodiff.NewVar(tensor.Zeros(tensor.Shape{batch, n, n, p}))

	em, err := autodiff.SelectColumns(emitV, d.padded) // (B, n, T)
	if err != nil {
		return runResult{}, err
	}
	emL := s.Lift(em)
	headL := autodiff.Unsqueeze(s.Lift(headV), 1)   // [S, 1, NT, R]
	leftL := autodiff.Unsqueeze(s.Lift(leftV), 1)   // [S, 1, R, P]
	rightL := autodiff.Unsqueeze(s.Lift(rightV), 1) // [S, 1, R, P]
	spanL := s.Lift(spanV)
	rootL := autodiff.Unsqueeze(s.Lift(rootV), 1)

	spanAt := func(i, j int) *autodiff.Var {
		v := autodiff.Narrow(autodiff.Narrow(spanL, 2, i, 1), 3, j, 1)
		return autodiff.Squeeze(autodiff.Squeeze(v, 3), 2)
	}
	// project folds a child cell [S, B, P] into rank space [S, B, R].
	project := func(factor, cell *autodiff.Var) *autodiff.Var {
		wide := autodiff.Unsqueeze(cell, 2) // [S, B, 1, P]
		return s.Sum(s.Mul(factor, wide), 3)
	}

	inside := make([][]*autodiff.Var, n)
	for i := range inside {
		inside[i] = make([]*autodiff.Var, n)
		term := autodiff.Squeeze(autodiff.Narrow(emL, 2, i, 1), 2)
		full := autodiff.Cat([]*autodiff.Var{s.Zeros(tensor.Shape{batch, d.nt}), term}, 2)
		inside[i][i] = s.Mul(full, spanAt(i, i))
	}
	for width := 2; width <= n; width++ {
		for i := 0; i+width <= n; i++ {
			j := i + width - 1
			splits := make([]*autodiff.Var, 0, width-1)
			for k := i; k < j; k++ {
				lr := project(leftL, inside[i][k])
				rr := project(rightL, inside[k+1][j])
				splits = append(splits, s.Mul(lr, rr)) // [S, B, R]
			}
			ranks := semiring.SumVars(s, splits)
			wide := autodiff.Unsqueeze(ranks, 2)            // [S, B, 1, R]
			cell := s.Sum(s.Mul(headL, wide), 3)            // [S, B, NT]
			full := autodiff.Cat([]*autodiff.Var{cell, s.Zeros(tensor.Shape{batch, d.t})}, 2)
			inside[i][j] = s.Mul(full, spanAt(i, j))
		}
	}

	finals := make([]*autodiff.Var, n)
	for k := 0; k < n; k++ {
		top := autodiff.Narrow(inside[0][k], 2, 0, d.nt)
		finals[k] = s.Sum(s.Mul(rootL, top), 2)
	}
	sel := masking.Final(d.lengths, n)
	rootCell := s.Sum(s.Mask(autodiff.Stack(finals, 2), sel), 2)
	return runResult{
		root:   rootCell,
		event:  spanV,
		params: []*autodiff.Var{rootV, headV, leftV, rightV, emitV, spanV},
	}, nil
}

// score is not linear in the factored parameters (the rank sum sits inside
// each rule), so events are scored against the equivalent dense rules.
func (d *TDPCFG) score(event *tensor.Tensor) (*tensor.Tensor, error) {
	dense, err := d.Densify()
	if err != nil {
		return nil, err
	}
	return dense.score(event)
}

// Densify materializes the equivalent dense PCFG by contracting the rank
// dimension. Intended for small grammars (tests, event scoring); the rule
// tensor is (NT, P, P).
func (d *TDPCFG) Densify() (*PCFG, error) {
	p := d.nt + d.t
	rules := tensor.NegInf(tensor.Shape{d.nt, p, p})
	for a := 0; a < d.nt; a++ {
		for bi := 0; bi < p; bi++ {
			for c := 0; c < p; c++ {
				acc := tensor.NegInf(tensor.Shape{})
				for r := 0; r < d.rank; r++ {
					v := tensor.Scalar(d.head.At(a, r) + d.left.At(r, bi) + d.right.At(r, c))
					acc = tensor.LogAddExp(acc, v)
				}
				rules.Set(acc.At(), a, bi, c)
			}
		}
	}
	return NewPCFG(d.root, rules, d.emissions, d.words)
}

// LogCount counts trees on the densified grammar. A dense rule is
// admissible exactly when some rank path through the factors is finite, so
// the dense count is the tree count with the rank multiplicity folded away.
func (d *TDPCFG) LogCount() (*tensor.Tensor, error) {
	dense, err := d.Densify()
	if err != nil {
		return nil, err
	}
	return dense.LogCount()
}

// CrossEntropy densifies both grammars first: the factored score is not
// linear in the factors, so the generic marginal-dot identity would
// compare distributions over (tree, rank) pairs instead of trees.
func (d *TDPCFG) CrossEntropy(other Distribution) (*tensor.Tensor, error) {
	o, ok := other.(*TDPCFG)
	if !ok {
		return nil, fmt.Errorf("%w: cross-entropy from a factored grammar needs another factored grammar", ErrIncompatible)
	}
	dp, err := d.Densify()
	if err != nil {
		return nil, err
	}
	dq, err := o.Densify()
	if err != nil {
		return nil, err
	}
	return dp.CrossEntropy(dq)
}

// KL densifies both grammars, see CrossEntropy.
func (d *TDPCFG) KL(other Distribution) (*tensor.Tensor, error) {
	o, ok := other.(*TDPCFG)
	if !ok {
		return nil, fmt.Errorf("%w: divergence from a factored grammar needs another factored grammar", ErrIncompatible)
	}
	dp, err := d.Densify()
	if err != nil {
		return nil, err
	}
	dq, err := o.Densify()
	if err != nil {
		return nil, err
	}
	return dp.KL(dq)
}

func (d *TDPCFG) signature() string {
	return fmt.Sprintf("tdpcfg/%d/%d/%d/%v/%v", d.nt, d.t, d.rank, d.emissions.Shape(), d.words)
}

// MBRDecode returns the minimum-Bayes-risk parse per sentence, the
// standard decoder for this family. marginalizeLabels scores candidate
// spans by summed label mass rather than the best single label.
func (d *TDPCFG) MBRDecode(marginalizeLabels bool) (*tensor.Tensor, error) {
	marg, err := d.Marginals()
	if err != nil {
		return nil, err
	}
	return mbrFromSpanMarginals(marg, d.lengths, marginalizeLabels), nil
}
