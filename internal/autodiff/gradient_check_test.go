package autodiff

import (
	"math"
	"testing"

	"github.com/strux-ml/strux/internal/tensor"
)

// numericGrad estimates d(f)/d(x) by central differences.
func numericGrad(t *testing.T, x *tensor.Tensor, f func(x *tensor.Tensor) float64) *tensor.Tensor {
	t.Helper()
	const eps = 1e-6
	grad := tensor.Zeros(x.Shape())
	for i := range x.Data() {
		orig := x.Data()[i]
		x.Data()[i] = orig + eps
		plus := f(x)
		x.Data()[i] = orig - eps
		minus := f(x)
		x.Data()[i] = orig
		grad.Data()[i] = (plus - minus) / (2 * eps)
	}
	return grad
}

func checkGrad(t *testing.T, name string, x *tensor.Tensor, forward func(v *Var) *Var) {
	t.Helper()
	v := NewVar(x)
	out := forward(v)
	seed := tensor.Ones(out.Shape())
	got := Backward(out, seed).Grad(v)

	want := numericGrad(t, x, func(xt *tensor.Tensor) float64 {
		return forward(NewVar(xt)).Value().SumAll()
	})
	if !tensor.AllClose(got, want, 1e-4) {
		t.Errorf("%s: analytic grad %v != numeric grad %v", name, got, want)
	}
}

func TestGradAddMulBroadcast(t *testing.T) {
	x, _ := tensor.FromSlice([]float64{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	row, _ := tensor.FromSlice([]float64{0.5, -1, 2}, tensor.Shape{3})

	checkGrad(t, "add", x, func(v *Var) *Var {
		return Add(v, Constant(row))
	})
	checkGrad(t, "mul", x, func(v *Var) *Var {
		return Mul(v, Constant(row))
	})
	// Gradient must reduce over the broadcast dim of the smaller operand.
	checkGrad(t, "add-small", row, func(v *Var) *Var {
		return Add(Constant(x), v)
	})
}

func TestGradExpLogChain(t *testing.T) {
	x, _ := tensor.FromSlice([]float64{0.5, 1.5, 2.5}, tensor.Shape{3})
	checkGrad(t, "exp", x, func(v *Var) *Var { return Exp(v) })
	checkGrad(t, "log", x, func(v *Var) *Var { return Log(v) })
	checkGrad(t, "chain", x, func(v *Var) *Var {
		return Log(AddScalar(Exp(MulScalar(v, 2)), 1))
	})
}

func TestGradLogSumExp(t *testing.T) {
	x, _ := tensor.FromSlice([]float64{1, 2, 3, -1, 0, 4}, tensor.Shape{2, 3})
	checkGrad(t, "logsumexp", x, func(v *Var) *Var { return LogSumExp(v, 1) })

	// Gradient of logsumexp is the softmax: probabilities sum to one.
	v := NewVar(x)
	out := LogSumExp(v, 1)
	g := Backward(out, tensor.Ones(out.Shape())).Grad(v)
	for r := 0; r < 2; r++ {
		sum := 0.0
		for c := 0; c < 3; c++ {
			sum += g.At(r, c)
		}
		if math.Abs(sum-1) > 1e-10 {
			t.Errorf("softmax row %d mass = %v, want 1", r, sum)
		}
	}
}

func TestGradSumNarrowCat(t *testing.T) {
	x, _ := tensor.FromSlice([]float64{1, 2, 3, 4, 5, 6, 7, 8}, tensor.Shape{2, 4})
	checkGrad(t, "sum", x, func(v *Var) *Var { return Sum(v, 1) })
	checkGrad(t, "narrow", x, func(v *Var) *Var { return Narrow(v, 1, 1, 2) })
	checkGrad(t, "cat", x, func(v *Var) *Var {
		return Cat([]*Var{Narrow(v, 1, 0, 2), Narrow(v, 1, 2, 2)}, 1)
	})
	checkGrad(t, "stack", x, func(v *Var) *Var {
		return Stack([]*Var{Sum(v, 1), Sum(v, 1)}, 0)
	})
}

func TestGradWhere(t *testing.T) {
	x, _ := tensor.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{4})
	cond, _ := tensor.FromSlice([]float64{1, 0, 1, 0}, tensor.Shape{4})
	y := tensor.Full(tensor.Shape{4}, -3)
	checkGrad(t, "where", x, func(v *Var) *Var {
		return Where(cond, v, Constant(y))
	})

	v := NewVar(x)
	out := Where(cond, v, Constant(y))
	g := Backward(out, tensor.Ones(out.Shape())).Grad(v)
	want, _ := tensor.FromSlice([]float64{1, 0, 1, 0}, tensor.Shape{4})
	if !tensor.AllClose(g, want, 0) {
		t.Errorf("where gradient = %v, want %v", g, want)
	}
}

func TestGradTransposeDiag(t *testing.T) {
	x, _ := tensor.FromSlice([]float64{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	checkGrad(t, "transpose", x, func(v *Var) *Var { return Transpose(v, 0, 1) })

	d, _ := tensor.FromSlice([]float64{1, 2, 3}, tensor.Shape{1, 3})
	checkGrad(t, "diagembed", d, func(v *Var) *Var { return DiagEmbed(v) })
}

func TestMaxDimBackwardIsOneHot(t *testing.T) {
	x, _ := tensor.FromSlice([]float64{1, 5, 2, 7, 7, 0}, tensor.Shape{2, 3})
	v := NewVar(x)
	out := MaxDim(v, 1)
	if out.Value().At(0) != 5 || out.Value().At(1) != 7 {
		t.Fatalf("max values wrong: %v", out.Value())
	}
	g := Backward(out, tensor.Ones(out.Shape())).Grad(v)
	want, _ := tensor.FromSlice([]float64{0, 1, 0, 1, 0, 0}, tensor.Shape{2, 3})
	if !tensor.AllClose(g, want, 0) {
		t.Errorf("max backward = %v, want one-hot with ties to lowest index %v", g, want)
	}
}

func TestSLogDetGradient(t *testing.T) {
	// A positive-definite 2x2 per batch entry.
	x, _ := tensor.FromSlice([]float64{
		2, 0.5, 0.5, 3,
		4, 1, 1, 2,
	}, tensor.Shape{2, 2, 2})

	v := NewVar(x)
	out, err := SLogDet(v)
	if err != nil {
		t.Fatalf("SLogDet: %v", err)
	}
	want0 := math.Log(2*3 - 0.25)
	if math.Abs(out.Value().At(0)-want0) > 1e-10 {
		t.Errorf("logdet = %v, want %v", out.Value().At(0), want0)
	}

	got := Backward(out, tensor.Ones(out.Shape())).Grad(v)
	want := numericGrad(t, x, func(xt *tensor.Tensor) float64 {
		o, err := SLogDet(NewVar(xt))
		if err != nil {
			t.Fatalf("SLogDet in numeric grad: %v", err)
		}
		return o.Value().SumAll()
	})
	if !tensor.AllClose(got, want, 1e-4) {
		t.Errorf("slogdet grad %v != numeric %v", got, want)
	}
}

func TestSLogDetRejectsNonPositive(t *testing.T) {
	x, _ := tensor.FromSlice([]float64{1, 0, 0, -1}, tensor.Shape{1, 2, 2})
	if _, err := SLogDet(NewVar(x)); err == nil {
		t.Error("SLogDet must fail on negative determinant")
	}
}

func TestGatherOpsGradient(t *testing.T) {
	x, _ := tensor.FromSlice([]float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
	}, tensor.Shape{1, 2, 4})
	idx := [][]int{{3, 0, 3}}
	v := NewVar(x)
	out, err := GatherLast(v, idx)
	if err != nil {
		t.Fatalf("GatherLast: %v", err)
	}
	if out.Value().At(0, 0, 0) != 4 || out.Value().At(0, 1, 1) != 5 {
		t.Fatalf("GatherLast values wrong: %v", out.Value())
	}
	g := Backward(out, tensor.Ones(out.Shape())).Grad(v)
	// Column 3 selected twice per step, column 0 once.
	if g.At(0, 0, 3) != 2 || g.At(0, 0, 0) != 1 || g.At(0, 0, 1) != 0 {
		t.Errorf("GatherLast scatter-add wrong: %v", g)
	}

	w, _ := tensor.FromSlice([]float64{
		1, 2, 3,
		4, 5, 6,
	}, tensor.Shape{2, 3})
	wv := NewVar(w)
	sel, err := SelectColumns(wv, [][]int{{2, 2}})
	if err != nil {
		t.Fatalf("SelectColumns: %v", err)
	}
	if sel.Value().At(0, 0, 0) != 3 || sel.Value().At(0, 1, 1) != 6 {
		t.Fatalf("SelectColumns values wrong: %v", sel.Value())
	}
	gw := Backward(sel, tensor.Ones(sel.Shape())).Grad(wv)
	if gw.At(0, 2) != 2 || gw.At(1, 2) != 2 || gw.At(0, 0) != 0 {
		t.Errorf("SelectColumns scatter-add wrong: %v", gw)
	}
}

func TestSampleDimDrawsFromConditional(t *testing.T) {
	// One row heavily favoring index 2.
	x, _ := tensor.FromSlice([]float64{0, 0, 10}, tensor.Shape{1, 3})
	v := NewVar(x)
	state := &SampleState{Rand: fixedUniform{0.5}}
	out := SampleDim(v, 1, state)

	lse := x.LogSumExp(1)
	if math.Abs(out.Value().At(0)-lse.At(0)) > 1e-12 {
		t.Errorf("SampleDim forward = %v, want logsumexp %v", out.Value().At(0), lse.At(0))
	}

	g := Backward(out, tensor.Ones(out.Shape())).Grad(v)
	if g.At(0, 2) != 1 || g.At(0, 0) != 0 {
		t.Errorf("sample backward should route indicator to index 2: %v", g)
	}
}

type fixedUniform struct{ u float64 }

func (f fixedUniform) Float64() float64 { return f.u }

func TestTopKMergeExactOrder(t *testing.T) {
	// Lanes: lane 0 carries values, lane 1 is -Inf padding.
	vals, _ := tensor.FromSlice([]float64{3, 9, 5}, tensor.Shape{1, 3})
	pad := tensor.NegInf(tensor.Shape{1, 3})
	x := NewVar(tensor.Cat([]*tensor.Tensor{vals, pad}, 0))

	out := TopKMerge(x, 1, 2)
	if out.Value().At(0) != 9 || out.Value().At(1) != 5 {
		t.Fatalf("top-2 = %v, want [9 5]", out.Value())
	}

	// Backward of lane 1 routes to the runner-up position only.
	seed, _ := tensor.FromSlice([]float64{0, 1}, tensor.Shape{2})
	g := Backward(out, seed).Grad(x)
	if g.At(0, 2) != 1 || g.At(0, 1) != 0 {
		t.Errorf("lane-1 gradient should pick position 2: %v", g)
	}
}

func TestKMaxMulPairwise(t *testing.T) {
	a, _ := tensor.FromSlice([]float64{5, 1}, tensor.Shape{2, 1})
	b, _ := tensor.FromSlice([]float64{4, 3}, tensor.Shape{2, 1})
	av, bv := NewVar(a), NewVar(b)
	out := KMaxMul(av, bv, 2)
	// Pairwise sums: 9, 8, 5, 4 → top-2 = [9 8].
	if out.Value().At(0, 0) != 9 || out.Value().At(1, 0) != 8 {
		t.Fatalf("KMaxMul = %v, want [9 8]", out.Value())
	}

	seed, _ := tensor.FromSlice([]float64{1, 0}, tensor.Shape{2, 1})
	grads := Backward(out, seed)
	ga, gb := grads.Grad(av), grads.Grad(bv)
	if ga.At(0, 0) != 1 || gb.At(0, 0) != 1 || ga.At(1, 0) != 0 {
		t.Errorf("KMaxMul backward should mark (a0, b0): ga=%v gb=%v", ga, gb)
	}
}
