// Package autodiff implements reverse-mode automatic differentiation over
// dense float64 tensors.
//
// Architecture:
//   - Var: a node in the computation graph holding a value and, when it was
//     produced by an operation, the Operation plus its input Vars.
//   - Operation interface: each op implements the backward pass that maps an
//     output gradient to input gradients.
//   - Backward: walks the graph in reverse topological order and accumulates
//     gradients per Var.
//
// The structured-distribution recurrences are written once against this
// package; marginals fall out as the gradient of the log-partition scalar,
// and the argmax / top-k / sampled structures fall out as the "gradients" of
// the max / k-max / sampling reductions, whose backward passes route a
// one-hot indicator instead of a softmax.
package autodiff

import (
	"github.com/strux-ml/strux/internal/tensor"
)

// Operation represents a differentiable operation in the computation graph.
type Operation interface {
	// Backward computes gradients for inputs given the output gradient.
	// The returned slice corresponds positionally to the Var's inputs; a
	// nil entry means no gradient flows to that input.
	Backward(outputGrad *tensor.Tensor) []*tensor.Tensor
}

// Var is a node in the computation graph.
type Var struct {
	value        *tensor.Tensor
	op           Operation
	inputs       []*Var
	requiresGrad bool
}

// NewVar creates a leaf variable that participates in differentiation.
func NewVar(t *tensor.Tensor) *Var {
	return &Var{value: t, requiresGrad: true}
}

// Constant creates a leaf variable that never receives gradients.
func Constant(t *tensor.Tensor) *Var {
	return &Var{value: t}
}

// Value returns the variable's tensor.
func (v *Var) Value() *tensor.Tensor {
	return v.value
}

// Shape returns the shape of the variable's tensor.
func (v *Var) Shape() tensor.Shape {
	return v.value.Shape()
}

// newResult wires an op result into the graph. If no input requires a
// gradient the op is dropped so constant subgraphs stay leaf-cheap.
func newResult(value *tensor.Tensor, op Operation, inputs ...*Var) *Var {
	needs := false
	for _, in := range inputs {
		if in.requiresGrad {
			needs = true
			break
		}
	}
	if !needs {
		return Constant(value)
	}
	return &Var{value: value, op: op, inputs: inputs, requiresGrad: true}
}

// Gradients maps each graph variable to its accumulated gradient.
type Gradients map[*Var]*tensor.Tensor

// Grad returns the gradient for v, or a zero tensor of v's shape if no
// gradient reached it.
func (g Gradients) Grad(v *Var) *tensor.Tensor {
	if t, ok := g[v]; ok {
		return t
	}
	return tensor.Zeros(v.Shape())
}

// Backward computes gradients of root with respect to every reachable Var.
//
// seed is the gradient of the final objective with respect to root; pass
// a ones tensor of root's shape to differentiate root.Sum().
func Backward(root *Var, seed *tensor.Tensor) Gradients {
	order := topoSort(root)
	grads := make(Gradients, len(order))
	grads[root] = seed

	// Walk in reverse topological order: a node's output gradient is fully
	// accumulated before its op runs backward.
	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		if v.op == nil {
			continue
		}
		outGrad, ok := grads[v]
		if !ok {
			continue
		}
		inputGrads := v.op.Backward(outGrad)
		for j, in := range v.inputs {
			if j >= len(inputGrads) || inputGrads[j] == nil || !in.requiresGrad {
				continue
			}
			if acc, ok := grads[in]; ok {
				grads[in] = acc.Add(inputGrads[j])
			} else {
				grads[in] = inputGrads[j]
			}
		}
	}
	return grads
}

// topoSort returns the reachable graph in topological order (inputs before
// outputs), iteratively to keep deep DP graphs off the Go stack.
func topoSort(root *Var) []*Var {
	type frame struct {
		v    *Var
		next int
	}
	var order []*Var
	visited := map[*Var]bool{root: true}
	stack := []frame{{v: root}}
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.next < len(f.v.inputs) {
			in := f.v.inputs[f.next]
			f.next++
			if !visited[in] && in.requiresGrad {
				visited[in] = true
				stack = append(stack, frame{v: in})
			}
			continue
		}
		order = append(order, f.v)
		stack = stack[:len(stack)-1]
	}
	return order
}
