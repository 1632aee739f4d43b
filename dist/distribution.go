// Package dist implements exact probability distributions over
// combinatorial structures: label sequences, monotone alignments, CTC
// alignments, matchings, spanning and dependency trees, and constituency
// trees under span grammars, dense PCFGs and tensor-decomposed PCFGs.
//
// Every family writes its dynamic program once against the semiring layer.
// Running the same recurrence under different semirings, then reading the
// gradient of the final cell with respect to the potentials, yields each
// query:
//
//	log semiring value    -> log-partition, gradient -> marginals
//	max semiring value    -> best score,    gradient -> argmax structure
//	k-max semiring        -> k-best scores, gradients -> k-best structures
//	sampling semiring     -> log-partition, gradient -> one exact sample
//	expectation semiring  -> (log-partition, entropy)
//
// Structures are exchanged as event tensors: {0,1} indicators over the
// family's part space (edges, cells, spans), the same shape the marginal
// probabilities come in.
package dist

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/strux-ml/strux/internal/autodiff"
	"github.com/strux-ml/strux/internal/semiring"
	"github.com/strux-ml/strux/internal/tensor"
)

// Distribution is the query surface shared by every structured family.
//
// Batched constructors accept potentials with or without the leading batch
// dimension; outputs mirror the input convention. Scores and probabilities
// are always in log space.
type Distribution interface {
	// LogPartition returns log Z per batch entry.
	LogPartition() (*tensor.Tensor, error)
	// Marginals returns the event-shaped tensor of part marginals.
	Marginals() (*tensor.Tensor, error)
	// LogMarginals returns the log of the part marginals, -Inf where a part
	// carries no mass.
	LogMarginals() (*tensor.Tensor, error)
	// Argmax returns the indicator of the highest-scoring structure. Ties
	// resolve deterministically toward the structure found first by the
	// recurrence.
	Argmax() (*tensor.Tensor, error)
	// TopK returns the k best structures, lane-major, with their scores.
	// Lanes past the number of distinct structures carry a -Inf score and a
	// zero event.
	TopK(k int) (events *tensor.Tensor, scores *tensor.Tensor, err error)
	// Sample draws count exact samples; draw i is reproducibly derived from
	// (seed, i), so enlarging count extends rather than reshuffles a batch
	// of samples.
	Sample(seed uint64, count int) (*tensor.Tensor, error)
	// Entropy returns the Shannon entropy per batch entry in nats.
	Entropy() (*tensor.Tensor, error)
	// LogCount returns the log of the number of structures with finite
	// score.
	LogCount() (*tensor.Tensor, error)
	// LogProb returns the normalized log-probability of the event.
	LogProb(event *tensor.Tensor) (*tensor.Tensor, error)
	// UnnormalizedLogProb returns the event's raw score.
	UnnormalizedLogProb(event *tensor.Tensor) (*tensor.Tensor, error)
	// CrossEntropy returns -E_p[log q] against another distribution over
	// the same event space.
	CrossEntropy(other Distribution) (*tensor.Tensor, error)
	// KL returns the divergence KL(p || q).
	KL(other Distribution) (*tensor.Tensor, error)
	// Warnings lists numeric-hygiene notes recorded at construction.
	Warnings() []string
}

// runResult is what a family's recurrence hands back to the engine.
type runResult struct {
	// root holds the final semiring cell, shape [lanes, batch].
	root *autodiff.Var
	// event is the variable whose gradient is the event tensor.
	event *autodiff.Var
	// params are the leaf parameter variables, in a fixed per-family order,
	// used by cross-distribution queries.
	params []*autodiff.Var
	// batchedParams is true when every param carries a leading batch
	// dimension, letting one backward pass serve all batch entries.
	batchedParams bool
}

// runner is the per-family recurrence. counting replaces every finite
// potential with zero so the partition function counts structures.
type runner interface {
	run(s semiring.Semiring, counting bool) (runResult, error)
	score(event *tensor.Tensor) (*tensor.Tensor, error)
	signature() string
}

// engine implements the whole Distribution surface on top of a runner.
// Families embed it and may shadow individual queries with specialized
// algorithms (combinatorial argmax, closed-form entropy).
type engine struct {
	r           runner
	scalarBatch bool
	warnings    []string
}

// internalRunner exposes the runner to cross-distribution queries.
func (e *engine) internalRunner() runner { return e.r }

// shed drops the synthetic batch dimension when the caller passed unbatched
// potentials.
func (e *engine) shed(t *tensor.Tensor) *tensor.Tensor {
	if e.scalarBatch {
		return t.Squeeze(0)
	}
	return t
}

// shedInner drops the synthetic batch dimension sitting behind a leading
// lane dimension (top-k events, sample stacks).
func (e *engine) shedInner(t *tensor.Tensor) *tensor.Tensor {
	if e.scalarBatch {
		return t.Squeeze(1)
	}
	return t
}

func (e *engine) LogPartition() (*tensor.Tensor, error) {
	res, err := e.r.run(semiring.Log{}, false)
	if err != nil {
		return nil, err
	}
	return e.shed(res.root.Value().Squeeze(0)), nil
}

func (e *engine) Marginals() (*tensor.Tensor, error) {
	res, err := e.r.run(semiring.Log{}, false)
	if err != nil {
		return nil, err
	}
	grads := autodiff.Backward(res.root, tensor.Ones(res.root.Shape()))
	return e.shed(grads.Grad(res.event)), nil
}

func (e *engine) LogMarginals() (*tensor.Tensor, error) {
	m, err := e.Marginals()
	if err != nil {
		return nil, err
	}
	// Accumulated rounding can leave tiny negative mass; clamp before the
	// log so those cells land at -Inf rather than NaN.
	return m.Maximum(tensor.Zeros(tensor.Shape{})).Log(), nil
}

func (e *engine) Argmax() (*tensor.Tensor, error) {
	res, err := e.r.run(semiring.Max{}, false)
	if err != nil {
		return nil, err
	}
	grads := autodiff.Backward(res.root, tensor.Ones(res.root.Shape()))
	return e.shed(grads.Grad(res.event)), nil
}

func (e *engine) TopK(k int) (*tensor.Tensor, *tensor.Tensor, error) {
	if k < 1 {
		return nil, nil, fmt.Errorf("%w: top-k needs k >= 1, got %d", ErrShapeMismatch, k)
	}
	res, err := e.r.run(semiring.KMax{K: k}, false)
	if err != nil {
		return nil, nil, err
	}
	events := make([]*tensor.Tensor, k)
	for lane := 0; lane < k; lane++ {
		seed := tensor.Zeros(res.root.Shape())
		batch := res.root.Shape()[1]
		for b := 0; b < batch; b++ {
			seed.Set(1, lane, b)
		}
		grads := autodiff.Backward(res.root, seed)
		events[lane] = grads.Grad(res.event)
	}
	stacked := tensor.Stack(events, 0)
	return e.shedInner(stacked), e.shed1(res.root.Value()), nil
}

// shed1 drops the batch dim of a (lanes, B) score tensor.
func (e *engine) shed1(t *tensor.Tensor) *tensor.Tensor {
	if e.scalarBatch {
		return t.Squeeze(1)
	}
	return t.Clone()
}

func (e *engine) Sample(seed uint64, count int) (*tensor.Tensor, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: sample count %d", ErrShapeMismatch, count)
	}
	state := &autodiff.SampleState{}
	res, err := e.r.run(semiring.Sample{State: state}, false)
	if err != nil {
		return nil, err
	}
	ones := tensor.Ones(res.root.Shape())
	events := make([]*tensor.Tensor, count)
	for i := 0; i < count; i++ {
		// Each draw runs on its own stream so samples are independent and
		// draw i is stable under changes to count.
		state.Rand = rand.New(rand.NewPCG(seed, uint64(i)))
		grads := autodiff.Backward(res.root, ones)
		events[i] = grads.Grad(res.event)
	}
	return e.shedInner(tensor.Stack(events, 0)), nil
}

func (e *engine) Entropy() (*tensor.Tensor, error) {
	res, err := e.r.run(semiring.Entropy{}, false)
	if err != nil {
		return nil, err
	}
	h := res.root.Value().Narrow(0, 1, 1).Squeeze(0)
	return e.shed(h), nil
}

func (e *engine) LogCount() (*tensor.Tensor, error) {
	res, err := e.r.run(semiring.Log{}, true)
	if err != nil {
		return nil, err
	}
	return e.shed(res.root.Value().Squeeze(0)), nil
}

func (e *engine) UnnormalizedLogProb(event *tensor.Tensor) (*tensor.Tensor, error) {
	score, err := e.r.score(event)
	if err != nil {
		return nil, err
	}
	return e.shed(score), nil
}

func (e *engine) LogProb(event *tensor.Tensor) (*tensor.Tensor, error) {
	score, err := e.r.score(event)
	if err != nil {
		return nil, err
	}
	res, err := e.r.run(semiring.Log{}, false)
	if err != nil {
		return nil, err
	}
	return e.shed(score.Sub(res.root.Value().Squeeze(0))), nil
}

func (e *engine) CrossEntropy(other Distribution) (*tensor.Tensor, error) {
	qr, err := runnerOf(other)
	if err != nil {
		return nil, err
	}
	ce, err := crossEntropy(e.r, qr)
	if err != nil {
		return nil, err
	}
	return e.shed(ce), nil
}

func (e *engine) KL(other Distribution) (*tensor.Tensor, error) {
	qr, err := runnerOf(other)
	if err != nil {
		return nil, err
	}
	cepq, err := crossEntropy(e.r, qr)
	if err != nil {
		return nil, err
	}
	// KL(p||q) = CE(p, q) - H(p), and H(p) = CE(p, p).
	cepp, err := crossEntropy(e.r, e.r)
	if err != nil {
		return nil, err
	}
	return e.shed(cepq.Sub(cepp)), nil
}

func (e *engine) Warnings() []string {
	out := make([]string, len(e.warnings))
	copy(out, e.warnings)
	return out
}

func runnerOf(d Distribution) (runner, error) {
	src, ok := d.(interface{ internalRunner() runner })
	if !ok {
		return nil, fmt.Errorf("%w: %T exposes no exact event space", ErrIncompatible, d)
	}
	return src.internalRunner(), nil
}

// crossEntropy computes CE(p, q) = log Z_q - Σ_t <μ_t(p), θ_t(q)> per batch
// entry. Scores are linear in the parameters, so the expected score under p
// is the marginal vector dotted with q's parameters.
func crossEntropy(p, q runner) (*tensor.Tensor, error) {
	if p.signature() != q.signature() {
		return nil, fmt.Errorf("%w: %q vs %q", ErrIncompatible, p.signature(), q.signature())
	}
	resP, err := p.run(semiring.Log{}, false)
	if err != nil {
		return nil, err
	}
	resQ, err := q.run(semiring.Log{}, false)
	if err != nil {
		return nil, err
	}
	if len(resP.params) != len(resQ.params) {
		return nil, fmt.Errorf("%w: parameter count %d vs %d", ErrIncompatible, len(resP.params), len(resQ.params))
	}
	ce := resQ.root.Value().Squeeze(0).Clone()

	if resP.batchedParams {
		grads := autodiff.Backward(resP.root, tensor.Ones(resP.root.Shape()))
		for t := range resP.params {
			mu := grads.Grad(resP.params[t])
			theta := resQ.params[t].Value()
			if !mu.Shape().Equal(theta.Shape()) {
				return nil, fmt.Errorf("%w: parameter %d shape %v vs %v", ErrIncompatible, t, mu.Shape(), theta.Shape())
			}
			ce = ce.Sub(batchDot(mu, theta))
		}
		return ce, nil
	}

	// Shared (unbatched) parameters: one backward per batch entry so the
	// expected scores stay per-entry.
	batch := resP.root.Shape()[1]
	out := ce.Data()
	for b := 0; b < batch; b++ {
		seed := tensor.Zeros(resP.root.Shape())
		seed.Set(1, 0, b)
		grads := autodiff.Backward(resP.root, seed)
		for t := range resP.params {
			mu := grads.Grad(resP.params[t])
			theta := resQ.params[t].Value()
			if !mu.Shape().Equal(theta.Shape()) {
				return nil, fmt.Errorf("%w: parameter %d shape %v vs %v", ErrIncompatible, t, mu.Shape(), theta.Shape())
			}
			out[b] -= mu.Mul(theta).SumAll()
		}
	}
	return ce, nil
}

// batchDot contracts two equal-shaped (B, ...) tensors to (B). The
// elementwise product keeps the 0 * (-Inf) = 0 convention, so parts with
// zero marginal mass never poison the expectation.
func batchDot(a, b *tensor.Tensor) *tensor.Tensor {
	prod := a.Mul(b)
	for prod.Rank() > 1 {
		prod = prod.Sum(1)
	}
	return prod
}

// linearEventScore computes <event, value> per batch for families whose
// score is linear in a single potential tensor.
func linearEventScore(event, value *tensor.Tensor) (*tensor.Tensor, error) {
	if event.Rank() == value.Rank()-1 {
		event = event.Unsqueeze(0)
	}
	if !event.Shape().Equal(value.Shape()) {
		return nil, fmt.Errorf("%w: event shape %v, want %v", ErrShapeMismatch, event.Shape(), value.Shape())
	}
	return batchDot(event, value), nil
}

// ensureBatch normalizes potentials to carry a leading batch dimension.
func ensureBatch(t *tensor.Tensor, batchedRank int) (*tensor.Tensor, bool, error) {
	switch t.Rank() {
	case batchedRank:
		return t, false, nil
	case batchedRank - 1:
		return t.Unsqueeze(0), true, nil
	default:
		return nil, false, fmt.Errorf("%w: rank %d, want %d or %d", ErrShapeMismatch, t.Rank(), batchedRank-1, batchedRank)
	}
}

// normalizeLengths fills in and validates per-batch lengths.
func normalizeLengths(lengths []int, batch, max int) ([]int, error) {
	if lengths == nil {
		lengths = make([]int, batch)
		for i := range lengths {
			lengths[i] = max
		}
		return lengths, nil
	}
	if len(lengths) != batch {
		return nil, fmt.Errorf("%w: %d lengths for batch %d", ErrShapeMismatch, len(lengths), batch)
	}
	out := make([]int, batch)
	for i, n := range lengths {
		if n < 1 || n > max {
			return nil, fmt.Errorf("%w: length %d at entry %d, want 1..%d", ErrInvalidLength, n, i, max)
		}
		out[i] = n
	}
	return out, nil
}

// rangeWarnings flags potentials whose magnitude endangers log-space
// arithmetic. Values are reported, never clamped.
func rangeWarnings(name string, t *tensor.Tensor) []string {
	const limit = 1e5
	worst := 0.0
	for _, v := range t.Data() {
		if a := math.Abs(v); !math.IsInf(a, 1) && a > worst {
			worst = a
		}
	}
	if worst <= limit {
		return nil
	}
	return []string{fmt.Sprintf("%s: potential magnitude %.3g exceeds %.0g; log-space sums may lose precision", name, worst, limit)}
}

// countingPotentials maps every finite potential to zero so exp(score) is 1
// for each admissible structure and the partition function counts them.
func countingPotentials(t *tensor.Tensor) *tensor.Tensor {
	return tensor.Where(t.IsFinite(), tensor.Zeros(tensor.Shape{}), t)
}
