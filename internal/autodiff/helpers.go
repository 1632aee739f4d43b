package autodiff

import (
	"github.com/strux-ml/strux/internal/tensor"
)

// reduceToShape sums a broadcast gradient back down to the original input
// shape: leading broadcast dimensions are summed away, size-1 dimensions are
// summed keeping the axis.
func reduceToShape(grad *tensor.Tensor, shape tensor.Shape) *tensor.Tensor {
	out := grad
	for out.Rank() > len(shape) {
		out = out.Sum(0)
	}
	for d := 0; d < len(shape); d++ {
		if shape[d] == 1 && out.Shape()[d] != 1 {
			out = out.Sum(d).Unsqueeze(d)
		}
	}
	return out
}
