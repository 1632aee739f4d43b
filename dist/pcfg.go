package dist

import (
	"fmt"
	"math"

	"github.com/strux-ml/strux/internal/autodiff"
	"github.com/strux-ml/strux/internal/masking"
	"github.com/strux-ml/strux/internal/semiring"
	"github.com/strux-ml/strux/internal/tensor"
)

// PCFG is a distribution over the parse trees of a batch of sentences
// under a shared probabilistic context-free grammar in binarized form.
//
//	root:      (NT)        log-score of each start symbol
//	rules:     (NT, P, P)  log-score of A -> B C, with P = NT + T mixing
//	                       nonterminals (first NT indices) and
//	                       preterminals (last T indices)
//	emissions: (T, V)      log-score of preterminal -> word
//
// words holds vocabulary indices per sentence; rows may have different
// lengths. Events have shape (B, n, n, P) and mark every labeled span of
// the derivation, preterminal leaf spans included, which is enough to
// reconstruct the derivation uniquely.
type PCFG struct {
	engine
	root      *tensor.Tensor
	rules     *tensor.Tensor
	emissions *tensor.Tensor
	words     [][]int
	padded    [][]int
	lengths   []int
	nt, t, n  int
}

// NewPCFG builds the distribution for a word batch under the grammar.
func NewPCFG(root, rules, emissions *tensor.Tensor, words [][]int) (*PCFG, error) {
	if root.Rank() != 1 || rules.Rank() != 3 || emissions.Rank() != 2 {
		return nil, fmt.Errorf("%w: want root (NT), rules (NT, P, P), emissions (T, V)", ErrShapeMismatch)
	}
	nt := root.Shape()[0]
	t := emissions.Shape()[0]
	p := nt + t
	vocab := emissions.Shape()[1]
	if rules.Shape()[0] != nt || rules.Shape()[1] != p || rules.Shape()[2] != p {
		return nil, fmt.Errorf("%w: rules %v, want (%d, %d, %d)", ErrShapeMismatch, rules.Shape(), nt, p, p)
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
	d := &PCFG{
		root: root, rules: rules, emissions: emissions,
		words: words, padded: padded, lengths: lengths,
		nt: nt, t: t, n: n,
	}
	warnings := append(rangeWarnings("pcfg root", root), rangeWarnings("pcfg rules", rules)...)
	warnings = append(warnings, rangeWarnings("pcfg emissions", emissions)...)
	d.engine = engine{r: d, warnings: warnings}
	return d, nil
}

func (d *PCFG) run(s semiring.Semiring, counting bool) (runResult, error) {
	batch, n, p := len(d.words), d.n, d.nt+d.t
	root, rules, emit := d.root, d.rules, d.emissions
	if counting {
		root = countingPotentials(root)
		rules = countingPotentials(rules)
		emit = countingPotentials(emit)
	}
	rootV := autodiff.NewVar(root)
	rulesV := autodiff.NewVar(rules)
	emitV := autodiff.NewVar(emit)
	// The span chart is an all-zero additive potential; its gradient is the
	// labeled-span event tensor.
	spanV := autodiff.NewVar(tensor.Zeros(tensor.Shape{batch, n, n, p}))

	em, err := autodiff.SelectColumns(emitV, d.padded) // (B, n, T)
	if err != nil {
		return runResult{}, err
	}
	emL := s.Lift(em)                                  // [S, B, n, T]
	ruleL := autodiff.Unsqueeze(s.Lift(rulesV), 1)     // [S, 1, NT, P, P]
	spanL := s.Lift(spanV)                             // [S, B, n, n, P]
	rootL := autodiff.Unsqueeze(s.Lift(rootV), 1)      // [S, 1, NT]

	spanAt := func(i, j int) *autodiff.Var {
		v := autodiff.Narrow(autodiff.Narrow(spanL, 2, i, 1), 3, j, 1)
		return autodiff.Squeeze(autodiff.Squeeze(v, 3), 2) // [S, B, P]
	}

	inside := make([][]*autodiff.Var, n)
	for i := range inside {
		inside[i] = make([]*autodiff.Var, n)
		term := autodiff.Squeeze(autodiff.Narrow(emL, 2, i, 1), 2) // [S, B, T]
		full := autodiff.Cat([]*autodiff.Var{s.Zeros(tensor.Shape{batch, d.nt}), term}, 2)
		inside[i][i] = s.Mul(full, spanAt(i, i))
	}
	for width := 2; width <= n; width++ {
		for i := 0; i+width <= n; i++ {
			j := i + width - 1
			splits := make([]*autodiff.Var, 0, width-1)
			for k := i; k < j; k++ {
				left := autodiff.Unsqueeze(autodiff.Unsqueeze(inside[i][k], 2), 4)  // [S, B, 1, P, 1]
				right := autodiff.Unsqueeze(autodiff.Unsqueeze(inside[k+1][j], 2), 3) // [S, B, 1, 1, P]
				scored := s.Mul(ruleL, s.Mul(left, right)) // [S, B, NT, P, P]
				splits = append(splits, s.Sum(s.Sum(scored, 4), 3))
			}
			cell := semiring.SumVars(s, splits) // [S, B, NT]
			full := autodiff.Cat([]*autodiff.Var{cell, s.Zeros(tensor.Shape{batch, d.t})}, 2)
			inside[i][j] = s.Mul(full, spanAt(i, j))
		}
	}

	finals := make([]*autodiff.Var, n)
	for k := 0; k < n; k++ {
		top := autodiff.Narrow(inside[0][k], 2, 0, d.nt) // [S, B, NT]
		finals[k] = s.Sum(s.Mul(rootL, top), 2)          // [S, B]
	}
	sel := masking.Final(d.lengths, n)
	rootCell := s.Sum(s.Mask(autodiff.Stack(finals, 2), sel), 2)
	return runResult{
		root:   rootCell,
		event:  spanV,
		params: []*autodiff.Var{rootV, rulesV, emitV, spanV},
	}, nil
}

// score reconstructs the derivation from a labeled-span event and adds up
// its rule, emission and root scores.
func (d *PCFG) score(event *tensor.Tensor) (*tensor.Tensor, error) {
	batch, n, p := len(d.words), d.n, d.nt+d.t
	want := tensor.Shape{batch, n, n, p}
	if event.Rank() == 3 && batch == 1 {
		event = event.Unsqueeze(0)
	}
	if !event.Shape().Equal(want) {
		return nil, fmt.Errorf("%w: event shape %v, want %v", ErrShapeMismatch, event.Shape(), want)
	}
	src := event.Data()
	out := tensor.Zeros(tensor.Shape{batch})
	for b := 0; b < batch; b++ {
		label := func(i, j int) int {
			base := ((b*n+i)*n + j) * p
			found := -1
			for l := 0; l < p; l++ {
				if src[base+l] > 0.5 {
					if found >= 0 {
						return -2
					}
					found = l
				}
			}
			return found
		}
		ln := d.lengths[b]
		var rec func(i, j int) (float64, error)
		rec = func(i, j int) (float64, error) {
			a := label(i, j)
			if a < 0 {
				return 0, fmt.Errorf("%w: span (%d, %d) of entry %d has no unique label", ErrInvalidEvent, i, j, b)
			}
			if i == j {
				if a < d.nt {
					return 0, fmt.Errorf("%w: leaf span (%d, %d) labeled with nonterminal %d", ErrInvalidEvent, i, i, a)
				}
				return d.emissions.At(a-d.nt, d.words[b][i]), nil
			}
			if a >= d.nt {
				return 0, fmt.Errorf("%w: internal span (%d, %d) labeled with preterminal %d", ErrInvalidEvent, i, j, a)
			}
			split := -1
			for k := i; k < j; k++ {
				if label(i, k) >= 0 && label(k+1, j) >= 0 {
					if split >= 0 {
						return 0, fmt.Errorf("%w: span (%d, %d) of entry %d has two splits", ErrInvalidEvent, i, j, b)
					}
					split = k
				}
			}
			if split < 0 {
				return 0, fmt.Errorf("%w: span (%d, %d) of entry %d has no split", ErrInvalidEvent, i, j, b)
			}
			lv, err := rec(i, split)
			if err != nil {
				return 0, err
			}
			rv, err := rec(split+1, j)
			if err != nil {
				return 0, err
			}
			return d.rules.At(a, label(i, split), label(split+1, j)) + lv + rv, nil
		}
		if ln == 1 {
			// A binarized grammar derives no length-1 sentence.
			out.Set(math.Inf(-1), b)
			continue
		}
		top := label(0, ln-1)
		if top < 0 || top >= d.nt {
			return nil, fmt.Errorf("%w: entry %d has no start nonterminal", ErrInvalidEvent, b)
		}
		score, err := rec(0, ln-1)
		if err != nil {
			return nil, err
		}
		out.Set(d.root.At(top)+score, b)
	}
	return out, nil
}

func (d *PCFG) signature() string {
	return fmt.Sprintf("pcfg/%d/%d/%v/%v", d.nt, d.t, d.emissions.Shape(), d.words)
}

// MBRDecode returns the minimum-Bayes-risk parse per sentence as a
// labeled-span event tensor. marginalizeLabels scores candidate spans by
// summed label mass rather than the best single label.
func (d *PCFG) MBRDecode(marginalizeLabels bool) (*tensor.Tensor, error) {
	marg, err := d.Marginals()
	if err != nil {
		return nil, err
	}
	return mbrFromSpanMarginals(marg, d.lengths, marginalizeLabels), nil
}
