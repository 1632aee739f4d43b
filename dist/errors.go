package dist

import "errors"

var (
	// ErrShapeMismatch reports tensors whose shapes do not agree with the
	// distribution's declared layout.
	ErrShapeMismatch = errors.New("dist: shape mismatch")

	// ErrInvalidLength reports a per-batch length outside [1, max].
	ErrInvalidLength = errors.New("dist: invalid length")

	// ErrUnsupportedQuery reports a query the distribution cannot answer
	// exactly (for example the partition function of a general matching).
	ErrUnsupportedQuery = errors.New("dist: query unsupported for this distribution")

	// ErrNumericDomain reports a determinant or log outside its domain,
	// usually a degenerate distribution with empty support.
	ErrNumericDomain = errors.New("dist: numeric domain error")

	// ErrIncompatible reports a cross-distribution query over two
	// distributions that do not share an event space.
	ErrIncompatible = errors.New("dist: incompatible distributions")

	// ErrInvalidEvent reports an event tensor that does not encode a valid
	// structure for the distribution.
	ErrInvalidEvent = errors.New("dist: invalid event")
)
