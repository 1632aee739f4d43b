package dist

import (
	"fmt"
	"math"

	"github.com/strux-ml/strux/internal/assignment"
	"github.com/strux-ml/strux/internal/tensor"
)

// MatchingCRF is a distribution over non-monotone one-to-one alignments
// (perfect matchings) between two sequences of equal length.
//
// Potentials have shape (B, n, n); entry (b, i, j) scores matching source i
// with target j, -Inf forbids the pair. Events are permutation matrices.
//
// The partition function of a matching distribution is a matrix permanent,
// which has no exact polynomial algorithm, so only the combinatorial
// queries are supported: Argmax (Hungarian algorithm), event scoring, and
// Warnings. Everything else reports ErrUnsupportedQuery.
type MatchingCRF struct {
	pot         *tensor.Tensor
	lengths     []int
	scalarBatch bool
	warnings    []string
}

// NewMatchingCRF builds the distribution over (B, n, n) or (n, n)
// potentials. lengths gives the matched prefix per batch entry; nil means
// full length.
func NewMatchingCRF(potentials *tensor.Tensor, lengths []int) (*MatchingCRF, error) {
	pot, scalar, err := ensureBatch(potentials, 3)
	if err != nil {
		return nil, fmt.Errorf("matching potentials: %w", err)
	}
	shape := pot.Shape()
	if shape[1] != shape[2] {
		return nil, fmt.Errorf("%w: matching needs square potentials, got %d x %d", ErrShapeMismatch, shape[1], shape[2])
	}
	lengths, err = normalizeLengths(lengths, shape[0], shape[1])
	if err != nil {
		return nil, err
	}
	return &MatchingCRF{pot: pot, lengths: lengths, scalarBatch: scalar, warnings: rangeWarnings("matching", pot)}, nil
}

// Argmax returns the permutation matrix of the best-scoring matching per
// batch entry. An entry with no feasible matching reports
// ErrNumericDomain.
func (d *MatchingCRF) Argmax() (*tensor.Tensor, error) {
	shape := d.pot.Shape()
	batch, n := shape[0], shape[1]
	out := tensor.Zeros(shape)
	src := d.pot.Data()
	for b := 0; b < batch; b++ {
		ln := d.lengths[b]
		scores := make([]float64, ln*ln)
		for i := 0; i < ln; i++ {
			for j := 0; j < ln; j++ {
				scores[i*ln+j] = src[(b*n+i)*n+j]
			}
		}
		match, ok := assignment.Max(scores, ln)
		if !ok {
			return nil, fmt.Errorf("%w: batch entry %d admits no matching", ErrNumericDomain, b)
		}
		for i, j := range match {
			out.Set(1, b, i, j)
		}
	}
	if d.scalarBatch {
		return out.Squeeze(0), nil
	}
	return out, nil
}

// UnnormalizedLogProb returns <event, potentials> per batch entry.
func (d *MatchingCRF) UnnormalizedLogProb(event *tensor.Tensor) (*tensor.Tensor, error) {
	score, err := linearEventScore(event, d.pot)
	if err != nil {
		return nil, err
	}
	if d.scalarBatch {
		return score.Squeeze(0), nil
	}
	return score, nil
}

// LogCount returns log(len!) per batch entry when every in-length pair is
// admissible; with forbidden pairs the count is a 0/1 permanent and the
// query is unsupported.
func (d *MatchingCRF) LogCount() (*tensor.Tensor, error) {
	shape := d.pot.Shape()
	batch, n := shape[0], shape[1]
	out := tensor.Zeros(tensor.Shape{batch})
	src := d.pot.Data()
	for b := 0; b < batch; b++ {
		ln := d.lengths[b]
		acc := 0.0
		for i := 0; i < ln; i++ {
			for j := 0; j < ln; j++ {
				if math.IsInf(src[(b*n+i)*n+j], -1) {
					return nil, fmt.Errorf("%w: counting matchings with forbidden pairs is a permanent", ErrUnsupportedQuery)
				}
			}
			acc += math.Log(float64(i + 1))
		}
		out.Set(acc, b)
	}
	if d.scalarBatch {
		return out.Squeeze(0), nil
	}
	return out, nil
}

func (d *MatchingCRF) LogPartition() (*tensor.Tensor, error) { return nil, d.unsupported("log-partition") }
func (d *MatchingCRF) Marginals() (*tensor.Tensor, error)    { return nil, d.unsupported("marginals") }
func (d *MatchingCRF) LogMarginals() (*tensor.Tensor, error) {
	return nil, d.unsupported("log-marginals")
}
func (d *MatchingCRF) TopK(k int) (*tensor.Tensor, *tensor.Tensor, error) {
	return nil, nil, d.unsupported("top-k")
}
func (d *MatchingCRF) Sample(seed uint64, count int) (*tensor.Tensor, error) {
	return nil, d.unsupported("sampling")
}
func (d *MatchingCRF) Entropy() (*tensor.Tensor, error) { return nil, d.unsupported("entropy") }
func (d *MatchingCRF) LogProb(event *tensor.Tensor) (*tensor.Tensor, error) {
	return nil, d.unsupported("log-prob")
}
func (d *MatchingCRF) CrossEntropy(other Distribution) (*tensor.Tensor, error) {
	return nil, d.unsupported("cross-entropy")
}
func (d *MatchingCRF) KL(other Distribution) (*tensor.Tensor, error) {
	return nil, d.unsupported("kl")
}

func (d *MatchingCRF) unsupported(query string) error {
	return fmt.Errorf("%w: %s needs the matching permanent", ErrUnsupportedQuery, query)
}

func (d *MatchingCRF) Warnings() []string {
	out := make([]string, len(d.warnings))
	copy(out, d.warnings)
	return out
}
