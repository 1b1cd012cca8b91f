package dit

import (
	"math/rand"

	"github.com/tessera-ml/tessera/ml"
	"github.com/tessera-ml/tessera/ml/nn"
)

// MergedStreamBlock operates on the concatenated text-then-image stream. The
// attention output and the MLP hidden activation share one fused down
// projection, so attention here carries no output projection of its own.
type MergedStreamBlock struct {
	Norm      *AdaLayerNormZeroSingle
	Attention *JointAttention
	MLP       *nn.Linear
	Out       *nn.Linear
}

func NewMergedStreamBlock(ctx ml.Context, rng *rand.Rand, dim, heads int, kernel nn.Kernel, dtype ml.DType) *MergedStreamBlock {
	return &MergedStreamBlock{
		Norm:      NewAdaLayerNormZeroSingle(ctx, rng, dim, dtype),
		Attention: NewJointAttention(ctx, rng, dim, heads, false, kernel, dtype),
		MLP:       nn.NewLinear(ctx, rng, dim, 4*dim, true, dtype),
		Out:       nn.NewLinear(ctx, rng, 5*dim, dim, true, dtype),
	}
}

func (b *MergedStreamBlock) Forward(ctx ml.Context, t, temb ml.Tensor, rope *RotaryEncoder, cos, sin, mask ml.Tensor) ml.Tensor {
	normed, gate := b.Norm.Forward(ctx, t, temb)

	attn := b.Attention.ForwardSingle(ctx, normed, rope, cos, sin, mask)
	hidden := b.MLP.Forward(ctx, normed).GELU(ctx)

	out := b.Out.Forward(ctx, attn.Concat(ctx, hidden, 2))
	return t.Add(ctx, gated(ctx, out, gate))
}
