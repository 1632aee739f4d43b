// Package masking builds 0/1 keep masks from per-batch lengths. The DP
// kernels multiply these into their charts (via the semiring Mask) so that
// padded positions contribute the semiring zero and shorter sequences in a
// batch stay exact.
package masking

import (
	"github.com/strux-ml/strux/internal/tensor"
)

// Sequence returns a (B, maxLen) mask with 1 where t < lengths[b].
func Sequence(lengths []int, maxLen int) *tensor.Tensor {
	b := len(lengths)
	out := tensor.Zeros(tensor.Shape{b, maxLen})
	d := out.Data()
	for i, n := range lengths {
		for t := 0; t < n && t < maxLen; t++ {
			d[i*maxLen+t] = 1
		}
	}
	return out
}

// Grid returns a (B, n, m) mask with 1 where i < rows[b] and j < cols[b].
// Alignment potentials outside the active grid are masked to the semiring
// zero so padded cells never enter a path.
func Grid(rows, cols []int, n, m int) *tensor.Tensor {
	b := len(rows)
	out := tensor.Zeros(tensor.Shape{b, n, m})
	d := out.Data()
	for bi := 0; bi < b; bi++ {
		for i := 0; i < rows[bi] && i < n; i++ {
			for j := 0; j < cols[bi] && j < m; j++ {
				d[(bi*n+i)*m+j] = 1
			}
		}
	}
	return out
}

// Span returns a (B, n, n) mask with 1 on cells (i, j) with i <= j and
// j < lengths[b]. Row i, column j addresses the span of words i..j
// inclusive, the convention the span-based charts use.
func Span(lengths []int, n int) *tensor.Tensor {
	b := len(lengths)
	out := tensor.Zeros(tensor.Shape{b, n, n})
	d := out.Data()
	for bi, ln := range lengths {
		for i := 0; i < ln && i < n; i++ {
			for j := i; j < ln && j < n; j++ {
				d[(bi*n+i)*n+j] = 1
			}
		}
	}
	return out
}

// Arc returns a (B, n, n) mask for dependency or spanning-tree edge
// potentials: 1 where head != dep and both indices are below lengths[b].
func Arc(lengths []int, n int) *tensor.Tensor {
	b := len(lengths)
	out := tensor.Zeros(tensor.Shape{b, n, n})
	d := out.Data()
	for bi, ln := range lengths {
		for i := 0; i < ln && i < n; i++ {
			for j := 0; j < ln && j < n; j++ {
				if i == j {
					continue
				}
				d[(bi*n+i)*n+j] = 1
			}
		}
	}
	return out
}

// Final returns a (B, n) mask selecting position lengths[b]-1 in each row.
// Chain-style recurrences reduce their last active column through it.
func Final(lengths []int, n int) *tensor.Tensor {
	b := len(lengths)
	out := tensor.Zeros(tensor.Shape{b, n})
	d := out.Data()
	for bi, ln := range lengths {
		if ln > 0 && ln <= n {
			d[bi*n+ln-1] = 1
		}
	}
	return out
}

// Step returns a (B,) mask with 1 where t < lengths[b]. Chain recurrences
// use it to freeze finished rows: a masked step keeps the previous cell
// value instead of extending the path.
func Step(lengths []int, t int) *tensor.Tensor {
	b := len(lengths)
	out := tensor.Zeros(tensor.Shape{b})
	d := out.Data()
	for bi, ln := range lengths {
		if t < ln {
			d[bi] = 1
		}
	}
	return out
}
