package nn

import (
	"github.com/tessera-ml/tessera/ml"
)

type LayerNorm struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func NewLayerNorm(ctx ml.Context, dim int, dtype ml.DType) *LayerNorm {
	return &LayerNorm{Weight: ones(ctx, dtype, dim), Bias: ctx.Zeros(dtype, dim)}
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}

type RMSNorm struct {
	Weight ml.Tensor
}

func NewRMSNorm(ctx ml.Context, dim int, dtype ml.DType) *RMSNorm {
	return &RMSNorm{Weight: ones(ctx, dtype, dim)}
}

func (m *RMSNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.RMSNorm(ctx, m.Weight, eps)
}

func ones(ctx ml.Context, dtype ml.DType, dim int) ml.Tensor {
	t := ctx.Zeros(dtype, dim)
	s := make([]float32, dim)
	for i := range s {
		s[i] = 1
	}
	t.(ml.Parameter).SetFloats(s)
	return t
}
