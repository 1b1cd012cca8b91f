package nn

import (
	"math"
	"math/rand"

	"github.com/tessera-ml/tessera/ml"
)

type Linear struct {
	Weight ml.Tensor // [in, out]
	Bias   ml.Tensor // [out], may be nil
}

// NewLinear allocates a linear layer with scaled-normal weights. Biases start
// at zero.
func NewLinear(ctx ml.Context, rng *rand.Rand, in, out int, bias bool, dtype ml.DType) *Linear {
	l := &Linear{Weight: randomTensor(ctx, rng, dtype, 1/math.Sqrt(float64(in)), in, out)}
	if bias {
		l.Bias = ctx.Zeros(dtype, out)
	}
	return l
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Matmul(ctx, m.Weight)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}
	return t
}

func randomTensor(ctx ml.Context, rng *rand.Rand, dtype ml.DType, std float64, shape ...int) ml.Tensor {
	t := ctx.Zeros(dtype, shape...)
	n := 1
	for _, d := range shape {
		n *= d
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = float32(rng.NormFloat64() * std)
	}
	t.(ml.Parameter).SetFloats(s)
	return t
}
