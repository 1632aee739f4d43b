package autodiff

import (
	"fmt"
	"sort"

	"github.com/strux-ml/strux/internal/tensor"
)

// The k-max ops operate on tensors whose leading dimension holds the k
// candidate lanes, ordered best to worst. Merges are exact: candidates are
// enumerated in insertion order and stably sorted by score, so equal scores
// keep their insertion order.

// restIterator walks all positions of a shape with the lane dimension (0)
// and one reduced dimension excluded, yielding base offsets.
type restIterator struct {
	dims    []int // sizes of the rest dims
	strides []int // strides of the rest dims in the source tensor
	ix      []int
	offset  int
	done    bool
}

func newRestIterator(shape tensor.Shape, skip ...int) *restIterator {
	strides := shape.ComputeStrides()
	it := &restIterator{}
	skipSet := map[int]bool{}
	for _, s := range skip {
		skipSet[s] = true
	}
	for d := range shape {
		if skipSet[d] {
			continue
		}
		it.dims = append(it.dims, shape[d])
		it.strides = append(it.strides, strides[d])
	}
	it.ix = make([]int, len(it.dims))
	return it
}

func (it *restIterator) next() bool {
	if it.done {
		return false
	}
	return true
}

func (it *restIterator) advance() {
	if len(it.dims) == 0 {
		it.done = true
		return
	}
	for d := len(it.dims) - 1; d >= 0; d-- {
		it.ix[d]++
		it.offset += it.strides[d]
		if it.ix[d] < it.dims[d] {
			return
		}
		it.ix[d] = 0
		it.offset -= it.strides[d] * it.dims[d]
	}
	it.done = true
}

// count returns the number of positions the iterator visits.
func (it *restIterator) count() int {
	n := 1
	for _, d := range it.dims {
		n *= d
	}
	return n
}

type kmaxCandidate struct {
	score float64
	lane  int
	pos   int
}

// selectTopK stably sorts candidates by descending score and keeps k.
func selectTopK(cands []kmaxCandidate, k int) []kmaxCandidate {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})
	return cands[:k]
}

// topKMergeOp reduces one dimension of a k-lane tensor, keeping the k best
// (lane, position) candidates per remaining index.
type topKMergeOp struct {
	in  tensor.Shape
	dim int
	k   int
	// src records, per output element in output-linear order over
	// (lane, rest), the chosen source lane and position.
	src []kmaxCandidate
}

func (op *topKMergeOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	grad := tensor.Zeros(op.in)
	inStrides := op.in.ComputeStrides()
	gd := g.Data()
	dst := grad.Data()

	outShape := g.Shape()
	outStrides := outShape.ComputeStrides()
	it := newRestIterator(op.in, 0, op.dim)
	outIt := newRestIterator(outShape, 0)
	idx := 0
	for it.next() {
		for lane := 0; lane < op.k; lane++ {
			c := op.src[idx]
			if c.lane >= 0 {
				inOff := c.lane*inStrides[0] + c.pos*inStrides[op.dim] + it.offset
				dst[inOff] += gd[lane*outStrides[0]+outIt.offset]
			}
			idx++
		}
		it.advance()
		outIt.advance()
	}
	return []*tensor.Tensor{grad}
}

// TopKMerge reduces dimension dim (dim >= 1) of a [k, ...] tensor by an
// exact top-k merge over (lane, position) candidates.
func TopKMerge(a *Var, dim, k int) *Var {
	in := a.Shape()
	if in[0] != k {
		panic(fmt.Sprintf("autodiff: TopKMerge lane dim %d != k=%d", in[0], k))
	}
	if dim < 1 || dim >= len(in) {
		panic(fmt.Sprintf("autodiff: TopKMerge dim %d invalid for shape %v", dim, in))
	}
	outShape := make(tensor.Shape, 0, len(in)-1)
	for d, s := range in {
		if d != dim {
			outShape = append(outShape, s)
		}
	}
	out := tensor.NegInf(outShape)
	inStrides := in.ComputeStrides()
	outStrides := outShape.ComputeStrides()
	src := make([]kmaxCandidate, 0, outShape.NumElements())
	data := a.value.Data()
	od := out.Data()

	it := newRestIterator(in, 0, dim)
	outIt := newRestIterator(outShape, 0)
	cands := make([]kmaxCandidate, 0, k*in[dim])
	for it.next() {
		cands = cands[:0]
		// Insertion order: positions outrank lanes so that merging sorted
		// per-position lists keeps earlier contributions first on ties.
		for p := 0; p < in[dim]; p++ {
			for l := 0; l < k; l++ {
				cands = append(cands, kmaxCandidate{
					score: data[l*inStrides[0]+p*inStrides[dim]+it.offset],
					lane:  l,
					pos:   p,
				})
			}
		}
		top := selectTopK(cands, k)
		for lane, c := range top {
			od[lane*outStrides[0]+outIt.offset] = c.score
			src = append(src, c)
		}
		it.advance()
		outIt.advance()
	}
	return newResult(out, &topKMergeOp{in.Clone(), dim, k, src}, a)
}

// pairCandidate is a (lane of a, lane of b) combination.
type pairCandidate struct {
	score float64
	i, j  int
}

// kmaxPairOp combines two k-lane tensors: candidate scores are all pairwise
// lane sums, the k best are kept, and the backward pass routes each output
// lane's gradient to both chosen sources.
type kmaxPairOp struct {
	a, b *Var
	k    int
	src  []pairCandidate
}

func (op *kmaxPairOp) Backward(g *tensor.Tensor) []*tensor.Tensor {
	ga := tensor.Zeros(op.a.Shape())
	gb := tensor.Zeros(op.b.Shape())
	outShape := g.Shape()
	sa := laneBroadcastStrides(op.a.Shape(), outShape)
	sb := laneBroadcastStrides(op.b.Shape(), outShape)
	aStr := op.a.Shape().ComputeStrides()
	bStr := op.b.Shape().ComputeStrides()
	outStr := outShape.ComputeStrides()
	gd := g.Data()
	da := ga.Data()
	db := gb.Data()

	itOut := newRestIterator(outShape, 0)
	itA := &strideFollower{strides: sa, shape: outShape}
	itB := &strideFollower{strides: sb, shape: outShape}
	idx := 0
	for itOut.next() {
		for lane := 0; lane < op.k; lane++ {
			c := op.src[idx]
			if c.i >= 0 {
				gv := gd[lane*outStr[0]+itOut.offset]
				da[c.i*aStr[0]+itA.offset] += gv
				db[c.j*bStr[0]+itB.offset] += gv
			}
			idx++
		}
		itOut.advance()
		itA.follow(itOut)
		itB.follow(itOut)
	}
	return []*tensor.Tensor{ga, gb}
}

// KMaxMul combines two [k, ...] tensors by pairwise lane-score addition
// followed by an exact top-k selection, broadcasting the non-lane dims.
func KMaxMul(a, b *Var, k int) *Var {
	if len(a.Shape()) != len(b.Shape()) {
		panic(fmt.Sprintf("autodiff: KMaxMul needs equal ranks, got %v and %v", a.Shape(), b.Shape()))
	}
	restA := a.Shape()[1:]
	restB := b.Shape()[1:]
	rest, err := tensor.BroadcastShapes(restA, restB)
	if err != nil {
		panic(fmt.Sprintf("autodiff: KMaxMul shapes %v and %v: %v", a.Shape(), b.Shape(), err))
	}
	outShape := append(tensor.Shape{k}, rest...)
	out := tensor.NegInf(outShape)

	sa := laneBroadcastStrides(a.Shape(), outShape)
	sb := laneBroadcastStrides(b.Shape(), outShape)
	aStr := a.Shape().ComputeStrides()
	bStr := b.Shape().ComputeStrides()
	outStr := outShape.ComputeStrides()
	da := a.value.Data()
	db := b.value.Data()
	od := out.Data()

	src := make([]pairCandidate, 0, outShape.NumElements())
	itOut := newRestIterator(outShape, 0)
	itA := &strideFollower{strides: sa, shape: outShape}
	itB := &strideFollower{strides: sb, shape: outShape}
	cands := make([]kmaxCandidate, 0, k*k)
	for itOut.next() {
		cands = cands[:0]
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				cands = append(cands, kmaxCandidate{
					score: da[i*aStr[0]+itA.offset] + db[j*bStr[0]+itB.offset],
					lane:  i,
					pos:   j,
				})
			}
		}
		top := selectTopK(cands, k)
		for lane, c := range top {
			od[lane*outStr[0]+itOut.offset] = c.score
			src = append(src, pairCandidate{score: c.score, i: c.lane, j: c.pos})
		}
		itOut.advance()
		itA.follow(itOut)
		itB.follow(itOut)
	}
	return newResult(out, &kmaxPairOp{a, b, k, src}, a, b)
}

// laneBroadcastStrides computes effective strides of shape s (including its
// lane dim) against the output shape, with the lane stride zeroed since
// lanes are handled explicitly.
func laneBroadcastStrides(s, out tensor.Shape) []int {
	strides := make([]int, len(out))
	native := s.ComputeStrides()
	for d := 1; d < len(out); d++ {
		if s[d] == 1 && out[d] != 1 {
			strides[d] = 0
		} else {
			strides[d] = native[d]
		}
	}
	return strides
}

// strideFollower mirrors a restIterator's odometer using different strides.
type strideFollower struct {
	strides []int
	shape   tensor.Shape
	offset  int
	prev    []int
}

func (f *strideFollower) follow(it *restIterator) {
	// Recompute the offset from the iterator's multi-index; rest dims of
	// the output exclude only the lane dim, so the iterator index aligns
	// with shape dims 1..rank-1.
	off := 0
	for d, v := range it.ix {
		off += v * f.strides[d+1]
	}
	f.offset = off
}
