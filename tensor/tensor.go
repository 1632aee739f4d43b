// Copyright 2026 Strux ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor is the public surface of the dense float64 tensor used
// throughout strux.
//
// Distributions in package dist take and return *tensor.Tensor values:
// potential tables go in, log-partitions, marginals and event indicators
// come out. The type is a thin alias over the internal implementation, so
// values built here flow into dist without conversion.
//
// Example:
//
//	pot := tensor.Zeros(tensor.Shape{4, 3, 3})
//	pot.Set(1.5, 0, 0, 1)
//	d, err := dist.NewLinearChainCRF(pot, nil)
package tensor

import (
	"github.com/strux-ml/strux/internal/tensor"
)

// Shape describes tensor dimensions, outermost first.
type Shape = tensor.Shape

// Tensor is a dense row-major float64 tensor.
type Tensor = tensor.Tensor

// New returns a zero-filled tensor of the given shape.
func New(shape Shape) *Tensor { return tensor.New(shape) }

// FromSlice wraps data, which must hold exactly shape.NumElements()
// values, into a tensor. The slice is copied.
func FromSlice(data []float64, shape Shape) (*Tensor, error) {
	return tensor.FromSlice(data, shape)
}

// Scalar returns a rank-0 tensor holding v.
func Scalar(v float64) *Tensor { return tensor.Scalar(v) }

// Zeros returns a tensor filled with 0.
func Zeros(shape Shape) *Tensor { return tensor.Zeros(shape) }

// Ones returns a tensor filled with 1.
func Ones(shape Shape) *Tensor { return tensor.Ones(shape) }

// Full returns a tensor filled with v.
func Full(shape Shape, v float64) *Tensor { return tensor.Full(shape, v) }

// NegInf returns a tensor filled with -Inf, the additive identity of
// log-space potentials: a -Inf entry forbids the corresponding part.
func NegInf(shape Shape) *Tensor { return tensor.NegInf(shape) }

// Cat concatenates tensors along dimension d.
func Cat(tensors []*Tensor, d int) *Tensor { return tensor.Cat(tensors, d) }

// Stack stacks equal-shaped tensors along a fresh dimension at d.
func Stack(tensors []*Tensor, d int) *Tensor { return tensor.Stack(tensors, d) }

// Where selects x where cond is nonzero and y elsewhere, broadcasting all
// three operands.
func Where(cond, x, y *Tensor) *Tensor { return tensor.Where(cond, x, y) }

// LogAddExp returns log(exp(a) + exp(b)) elementwise, stably.
func LogAddExp(a, b *Tensor) *Tensor { return tensor.LogAddExp(a, b) }

// AllClose reports whether a and b have equal shapes and elementwise
// distance at most tol, treating equal infinities as close.
func AllClose(a, b *Tensor, tol float64) bool { return tensor.AllClose(a, b, tol) }

// BroadcastShapes returns the NumPy-style common shape of a and b.
func BroadcastShapes(a, b Shape) (Shape, error) { return tensor.BroadcastShapes(a, b) }
