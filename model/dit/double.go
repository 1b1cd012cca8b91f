package dit

import (
	"math/rand"

	"github.com/tessera-ml/tessera/ml"
	"github.com/tessera-ml/tessera/ml/nn"
)

// FeedForward is the per-stream MLP: up-projection, tanh-approximate GELU,
// down-projection.
type FeedForward struct {
	Up   *nn.Linear
	Down *nn.Linear
}

func NewFeedForward(ctx ml.Context, rng *rand.Rand, dim, hidden int, dtype ml.DType) *FeedForward {
	return &FeedForward{
		Up:   nn.NewLinear(ctx, rng, dim, hidden, true, dtype),
		Down: nn.NewLinear(ctx, rng, hidden, dim, true, dtype),
	}
}

func (m *FeedForward) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return m.Down.Forward(ctx, m.Up.Forward(ctx, t).GELU(ctx))
}

// DualStreamBlock refines the text and image streams with separate parameter
// sets joined only by the shared attention. Streams never swap order: the
// block returns (text, image) exactly as given.
type DualStreamBlock struct {
	ImageNorm *AdaLayerNormZero
	TextNorm  *AdaLayerNormZero
	Attention *JointAttention
	ImageMLP  *FeedForward
	TextMLP   *FeedForward
}

func NewDualStreamBlock(ctx ml.Context, rng *rand.Rand, dim, heads int, kernel nn.Kernel, dtype ml.DType) *DualStreamBlock {
	return &DualStreamBlock{
		ImageNorm: NewAdaLayerNormZero(ctx, rng, dim, dtype),
		TextNorm:  NewAdaLayerNormZero(ctx, rng, dim, dtype),
		Attention: NewJointAttention(ctx, rng, dim, heads, true, kernel, dtype),
		ImageMLP:  NewFeedForward(ctx, rng, dim, 4*dim, dtype),
		TextMLP:   NewFeedForward(ctx, rng, dim, 4*dim, dtype),
	}
}

func (b *DualStreamBlock) Forward(ctx ml.Context, text, image, temb ml.Tensor, rope *RotaryEncoder, cos, sin, mask ml.Tensor) (ml.Tensor, ml.Tensor) {
	normImage, imageMod := b.ImageNorm.Forward(ctx, image, temb)
	normText, textMod := b.TextNorm.Forward(ctx, text, temb)

	textAttn, imageAttn := b.Attention.ForwardDual(ctx, normText, normImage, rope, cos, sin, mask)

	image = image.Add(ctx, gated(ctx, imageAttn, imageMod.GateMSA))
	text = text.Add(ctx, gated(ctx, textAttn, textMod.GateMSA))

	image = image.Add(ctx, gated(ctx, b.ImageMLP.Forward(ctx,
		modulate(ctx, image.LayerNorm(ctx, nil, nil, 1e-6), imageMod.ShiftMLP, imageMod.ScaleMLP)), imageMod.GateMLP))
	text = text.Add(ctx, gated(ctx, b.TextMLP.Forward(ctx,
		modulate(ctx, text.LayerNorm(ctx, nil, nil, 1e-6), textMod.ShiftMLP, textMod.ScaleMLP)), textMod.GateMLP))

	return text, image
}
