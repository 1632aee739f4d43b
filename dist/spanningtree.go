package dist

import (
	"fmt"
	"math"

	"github.com/strux-ml/strux/internal/arborescence"
	"github.com/strux-ml/strux/internal/autodiff"
	"github.com/strux-ml/strux/internal/masking"
	"github.com/strux-ml/strux/internal/semiring"
	"github.com/strux-ml/strux/internal/tensor"
)

// TreeConfig selects the family of spanning structures.
type TreeConfig struct {
	// Directed selects rooted arborescences (dependency trees); false
	// selects undirected spanning trees.
	Directed bool
	// SingleRoot restricts directed trees to exactly one root attachment.
	SingleRoot bool
	// Projective restricts directed trees to projective ones (no crossing
	// arcs), computed with the Eisner recurrence and therefore supporting
	// every semiring query.
	Projective bool
}

// SpanningTreeCRF is a distribution over spanning trees of a dense graph.
//
// Potentials have shape (B, n, n). For directed trees entry (h, d) scores
// the arc h -> d and the diagonal (i, i) scores token i attaching to the
// root. For undirected trees the weight of edge {u, v} is the sum of both
// off-diagonal entries, so events mark (u, v) and (v, u) together.
//
// Non-projective partition functions and marginals come from the matrix-
// tree theorem; the argmax comes from Chu-Liu/Edmonds (directed) or
// Kruskal (undirected). Top-k and sampling are only available for the
// projective configuration, where the distribution runs as a dynamic
// program.
type SpanningTreeCRF struct {
	engine
	pot     *tensor.Tensor
	lengths []int
	cfg     TreeConfig
}

// NewSpanningTreeCRF builds the distribution over (B, n, n) or (n, n)
// potentials. lengths gives the token count per entry, nil for n.
func NewSpanningTreeCRF(potentials *tensor.Tensor, lengths []int, cfg TreeConfig) (*SpanningTreeCRF, error) {
	if cfg.Projective && !cfg.Directed {
		return nil, fmt.Errorf("%w: projective undirected trees have no standard part decomposition", ErrUnsupportedQuery)
	}
	pot, scalar, err := ensureBatch(potentials, 3)
	if err != nil {
		return nil, fmt.Errorf("tree potentials: %w", err)
	}
	shape := pot.Shape()
	if shape[1] != shape[2] {
		return nil, fmt.Errorf("%w: tree potentials must be square, got %d x %d", ErrShapeMismatch, shape[1], shape[2])
	}
	lengths, err = normalizeLengths(lengths, shape[0], shape[1])
	if err != nil {
		return nil, err
	}
	d := &SpanningTreeCRF{pot: pot, lengths: lengths, cfg: cfg}
	d.engine = engine{r: d, scalarBatch: scalar, warnings: rangeWarnings("tree", pot)}
	return d, nil
}

func (d *SpanningTreeCRF) run(s semiring.Semiring, counting bool) (runResult, error) {
	if d.cfg.Projective {
		return d.runEisner(s, counting)
	}
	if _, ok := s.(semiring.Log); !ok {
		return runResult{}, fmt.Errorf("%w: non-projective trees only run under the log semiring; use Argmax or Entropy directly", ErrUnsupportedQuery)
	}
	return d.runMatrixTree(counting)
}

// admissibleShift returns the per-batch max admissible log-potential,
// detached, used to keep exp() in range before the determinant.
func (d *SpanningTreeCRF) admissibleShift(values *tensor.Tensor, includeDiag bool) *tensor.Tensor {
	shape := values.Shape()
	batch, n := shape[0], shape[1]
	out := tensor.Zeros(tensor.Shape{batch, 1, 1})
	src := values.Data()
	for b := 0; b < batch; b++ {
		ln := d.lengths[b]
		best := math.Inf(-1)
		for i := 0; i < ln; i++ {
			for j := 0; j < ln; j++ {
				if i == j && !includeDiag {
					continue
				}
				v := src[(b*n+i)*n+j]
				if !math.IsInf(v, -1) && v > best {
					best = v
				}
			}
		}
		if math.IsInf(best, -1) {
			best = 0
		}
		out.Set(best, b, 0, 0)
	}
	return out
}

// eyePad keeps the active (ln x ln) block of each batch matrix and pads the
// rest with the identity so one batched determinant serves mixed lengths.
func eyePad(mat *autodiff.Var, lengths []int, size int, offset int) *autodiff.Var {
	batch := len(lengths)
	active := tensor.Zeros(tensor.Shape{batch, size, size})
	for b, ln := range lengths {
		k := ln - offset
		for i := 0; i < k && i < size; i++ {
			for j := 0; j < k && j < size; j++ {
				active.Set(1, b, i, j)
			}
		}
	}
	eye := tensor.Zeros(tensor.Shape{size, size})
	for i := 0; i < size; i++ {
		eye.Set(1, i, i)
	}
	return autodiff.Where(active, mat, autodiff.Constant(eye))
}

func (d *SpanningTreeCRF) runMatrixTree(counting bool) (runResult, error) {
	shape := d.pot.Shape()
	batch, n := shape[0], shape[1]
	pot := d.pot
	if counting {
		pot = countingPotentials(pot)
	}
	pv := autodiff.NewVar(pot)
	arcMask := masking.Arc(d.lengths, n)
	seqMask := masking.Sequence(d.lengths, n)
	ninf := autodiff.Constant(tensor.NegInf(tensor.Shape{}))

	var logZ *autodiff.Var
	if d.cfg.Directed {
		c := d.admissibleShift(pot, true)
		cVar := autodiff.Constant(c)
		shifted := autodiff.Sub(pv, cVar)
		expArcs := autodiff.Exp(autodiff.Where(arcMask, shifted, ninf)) // (B, n, n)
		lap := autodiff.Sub(autodiff.DiagEmbed(autodiff.Sum(expArcs, 1)), expArcs)

		// Root scores live on the diagonal; mask past-length tokens.
		eye := tensor.Zeros(tensor.Shape{n, n})
		for i := 0; i < n; i++ {
			eye.Set(1, i, i)
		}
		diag := autodiff.Sum(autodiff.Mul(pv, autodiff.Constant(eye)), 2) // (B, n)
		diag = autodiff.Sub(diag, autodiff.Constant(c.Reshape(tensor.Shape{batch, 1})))
		rootExp := autodiff.Exp(autodiff.Where(seqMask, diag, ninf))

		if d.cfg.SingleRoot {
			// Koo et al. construction: the first row of the Laplacian is
			// replaced by the root weights.
			rootRow := autodiff.Unsqueeze(rootExp, 1)
			if n > 1 {
				lap = autodiff.Cat([]*autodiff.Var{rootRow, autodiff.Narrow(lap, 1, 1, n-1)}, 1)
			} else {
				lap = rootRow
			}
		} else {
			lap = autodiff.Add(lap, autodiff.DiagEmbed(rootExp))
		}

		ld, err := autodiff.SLogDet(eyePad(lap, d.lengths, n, 0))
		if err != nil {
			return runResult{}, fmt.Errorf("%w: %v", ErrNumericDomain, err)
		}
		shiftBack := tensor.Zeros(tensor.Shape{batch})
		for b, ln := range d.lengths {
			shiftBack.Set(float64(ln)*c.At(b, 0, 0), b)
		}
		logZ = autodiff.Add(ld, autodiff.Constant(shiftBack))
	} else {
		// Undirected: edge {u, v} weighs pot[u, v] + pot[v, u]; Z is a
		// cofactor of the Laplacian.
		sym := autodiff.Add(pv, autodiff.Transpose(pv, 1, 2))
		c := d.admissibleShift(sym.Value(), false)
		shifted := autodiff.Sub(sym, autodiff.Constant(c))
		expEdges := autodiff.Exp(autodiff.Where(arcMask, shifted, ninf))
		lap := autodiff.Sub(autodiff.DiagEmbed(autodiff.Sum(expEdges, 1)), expEdges)

		if n == 1 {
			// A single vertex has exactly the empty tree, score zero.
			logZ = autodiff.Constant(tensor.Zeros(tensor.Shape{batch}))
		} else {
			minor := autodiff.Narrow(autodiff.Narrow(lap, 1, 1, n-1), 2, 1, n-1)
			ld, err := autodiff.SLogDet(eyePad(minor, d.lengths, n-1, 1))
			if err != nil {
				return runResult{}, fmt.Errorf("%w: %v", ErrNumericDomain, err)
			}
			shiftBack := tensor.Zeros(tensor.Shape{batch})
			for b, ln := range d.lengths {
				shiftBack.Set(float64(ln-1)*c.At(b, 0, 0), b)
			}
			logZ = autodiff.Add(ld, autodiff.Constant(shiftBack))
		}
	}

	root := autodiff.Unsqueeze(logZ, 0) // [1, B]
	return runResult{root: root, event: pv, params: []*autodiff.Var{pv}, batchedParams: true}, nil
}

// runEisner runs the projective dependency recurrence over an augmented
// position space with the artificial root at position 0.
func (d *SpanningTreeCRF) runEisner(s semiring.Semiring, counting bool) (runResult, error) {
	shape := d.pot.Shape()
	batch, n := shape[0], shape[1]
	pot := d.pot
	if counting {
		pot = countingPotentials(pot)
	}
	pv := autodiff.NewVar(pot)
	lifted := s.Lift(pv) // [S, B, n, n]

	// arcW(h, m) is the augmented-position arc weight as a [S, B] value;
	// h == 0 reads the root score on the diagonal.
	cell := func(i, j int) *autodiff.Var {
		v := autodiff.Narrow(autodiff.Narrow(lifted, 2, i, 1), 3, j, 1)
		return autodiff.Squeeze(autodiff.Squeeze(v, 3), 2)
	}
	arcW := func(h, m int) *autodiff.Var {
		if h == 0 {
			return cell(m-1, m-1)
		}
		return cell(h-1, m-1)
	}

	N := n + 1
	one := s.Ones(tensor.Shape{batch})
	newChart := func() [][]*autodiff.Var {
		ch := make([][]*autodiff.Var, N)
		for i := range ch {
			ch[i] = make([]*autodiff.Var, N)
		}
		return ch
	}
	cr, cl := newChart(), newChart()
	ir, il := newChart(), newChart()
	for i := 0; i < N; i++ {
		cr[i][i] = one
		cl[i][i] = one
	}

	for width := 1; width <= n; width++ {
		for i := 0; i+width < N; i++ {
			j := i + width
			splits := make([]*autodiff.Var, 0, width)
			for k := i; k < j; k++ {
				splits = append(splits, s.Mul(cr[i][k], cl[k+1][j]))
			}
			span := semiring.SumVars(s, splits)
			ir[i][j] = s.Mul(arcW(i, j), span)
			if i >= 1 {
				il[i][j] = s.Mul(arcW(j, i), span)
			}

			heads := make([]*autodiff.Var, 0, width)
			for k := i + 1; k <= j; k++ {
				heads = append(heads, s.Mul(ir[i][k], cr[k][j]))
			}
			cr[i][j] = semiring.SumVars(s, heads)
			if i >= 1 {
				deps := make([]*autodiff.Var, 0, width)
				for k := i; k < j; k++ {
					deps = append(deps, s.Mul(cl[i][k], il[k][j]))
				}
				cl[i][j] = semiring.SumVars(s, deps)
			}
		}
	}

	finals := make([]*autodiff.Var, n)
	for k := 1; k <= n; k++ {
		if d.cfg.SingleRoot {
			cands := make([]*autodiff.Var, 0, k)
			for j := 1; j <= k; j++ {
				cands = append(cands, s.Mul(arcW(0, j), s.Mul(cl[1][j], cr[j][k])))
			}
			finals[k-1] = semiring.SumVars(s, cands)
		} else {
			finals[k-1] = cr[0][k]
		}
	}
	sel := masking.Final(d.lengths, n)
	root := s.Sum(s.Mask(autodiff.Stack(finals, 2), sel), 2) // [S, B]
	return runResult{root: root, event: pv, params: []*autodiff.Var{pv}, batchedParams: true}, nil
}

// Argmax returns the best tree. Projective configurations use the max
// semiring; non-projective directed trees use Chu-Liu/Edmonds and
// undirected ones Kruskal.
func (d *SpanningTreeCRF) Argmax() (*tensor.Tensor, error) {
	if d.cfg.Projective {
		return d.engine.Argmax()
	}
	shape := d.pot.Shape()
	batch, n := shape[0], shape[1]
	out := tensor.Zeros(shape)
	src := d.pot.Data()
	for b := 0; b < batch; b++ {
		ln := d.lengths[b]
		if d.cfg.Directed {
			if err := d.bestArborescence(src, out, b, n, ln); err != nil {
				return nil, err
			}
			continue
		}
		sym := make([]float64, ln*ln)
		for u := 0; u < ln; u++ {
			for v := 0; v < ln; v++ {
				if u != v {
					sym[u*ln+v] = src[(b*n+u)*n+v] + src[(b*n+v)*n+u]
				}
			}
		}
		pairs, _, ok := arborescence.MaxSpanningTree(sym, ln)
		if !ok {
			return nil, fmt.Errorf("%w: batch entry %d admits no spanning tree", ErrNumericDomain, b)
		}
		for _, p := range pairs {
			out.Set(1, b, p[0], p[1])
			out.Set(1, b, p[1], p[0])
		}
	}
	if d.scalarBatch {
		return out.Squeeze(0), nil
	}
	return out, nil
}

// bestArborescence writes the best directed tree of batch entry b into out.
func (d *SpanningTreeCRF) bestArborescence(src []float64, out *tensor.Tensor, b, n, ln int) error {
	// Augment with a virtual root at index 0; root attachments read the
	// diagonal.
	m := ln + 1
	base := make([]float64, m*m)
	for i := range base {
		base[i] = math.Inf(-1)
	}
	for h := 0; h < ln; h++ {
		for dep := 0; dep < ln; dep++ {
			if h != dep {
				base[(h+1)*m+dep+1] = src[(b*n+h)*n+dep]
			}
		}
	}
	writeHeads := func(heads []int) {
		for v := 1; v < m; v++ {
			if heads[v] == 0 {
				out.Set(1, b, v-1, v-1)
			} else {
				out.Set(1, b, heads[v]-1, v-1)
			}
		}
	}
	if !d.cfg.SingleRoot {
		for dep := 0; dep < ln; dep++ {
			base[0*m+dep+1] = src[(b*n+dep)*n+dep]
		}
		heads, _, ok := arborescence.MaxArborescence(base, m, 0)
		if !ok {
			return fmt.Errorf("%w: batch entry %d admits no arborescence", ErrNumericDomain, b)
		}
		writeHeads(heads)
		return nil
	}
	// Single root: force each candidate root edge in turn and keep the
	// best feasible result.
	bestTotal := math.Inf(-1)
	var best []int
	for r := 0; r < ln; r++ {
		rw := src[(b*n+r)*n+r]
		if math.IsInf(rw, -1) {
			continue
		}
		w := make([]float64, m*m)
		copy(w, base)
		w[0*m+r+1] = rw
		heads, total, ok := arborescence.MaxArborescence(w, m, 0)
		if ok && total > bestTotal {
			bestTotal = total
			best = heads
		}
	}
	if best == nil {
		return fmt.Errorf("%w: batch entry %d admits no single-root tree", ErrNumericDomain, b)
	}
	writeHeads(best)
	return nil
}

// Entropy returns H(p). Non-projective configurations use the identity
// H = log Z - E[score], with the expected score read off the marginals.
func (d *SpanningTreeCRF) Entropy() (*tensor.Tensor, error) {
	if d.cfg.Projective {
		return d.engine.Entropy()
	}
	res, err := d.runMatrixTree(false)
	if err != nil {
		return nil, err
	}
	grads := autodiff.Backward(res.root, tensor.Ones(res.root.Shape()))
	mu := grads.Grad(res.event)
	logZ := res.root.Value().Squeeze(0)
	h := logZ.Sub(batchDot(mu, res.event.Value()))
	return d.shed(h), nil
}

func (d *SpanningTreeCRF) score(event *tensor.Tensor) (*tensor.Tensor, error) {
	return linearEventScore(event, d.pot)
}

func (d *SpanningTreeCRF) signature() string {
	return fmt.Sprintf("tree/%v/%v/%v", d.cfg, d.pot.Shape(), d.lengths)
}
