package dit

import (
	"errors"
	"math"
	"math/rand"

	"github.com/tessera-ml/tessera/ml"
	"github.com/tessera-ml/tessera/ml/nn"
)

const sinusoidalDim = 256

var errGuidanceMissing = errors.New("dit: model conditions on guidance but none was provided")

// sinusoidal embeds scalar values [batch] into [batch, sinusoidalDim]
// frequency features, cosine half first.
func sinusoidal(ctx ml.Context, t ml.Tensor) (ml.Tensor, error) {
	vals := t.Floats()
	half := sinusoidalDim / 2

	out := make([]float32, len(vals)*sinusoidalDim)
	for i, v := range vals {
		for j := 0; j < half; j++ {
			angle := float64(v) * math.Exp(-math.Log(10000)*float64(j)/float64(half))
			out[i*sinusoidalDim+j] = float32(math.Cos(angle))
			out[i*sinusoidalDim+half+j] = float32(math.Sin(angle))
		}
	}
	return ctx.FromFloatSlice(out, len(vals), sinusoidalDim)
}

// MLPEmbedder is the two-layer projection used for timestep, guidance and
// pooled text features.
type MLPEmbedder struct {
	In  *nn.Linear
	Out *nn.Linear
}

func NewMLPEmbedder(ctx ml.Context, rng *rand.Rand, in, dim int, dtype ml.DType) *MLPEmbedder {
	return &MLPEmbedder{
		In:  nn.NewLinear(ctx, rng, in, dim, true, dtype),
		Out: nn.NewLinear(ctx, rng, dim, dim, true, dtype),
	}
}

func (m *MLPEmbedder) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return m.Out.Forward(ctx, m.In.Forward(ctx, t).SILU(ctx))
}

// Conditioning combines timestep, pooled text projection and optionally a
// guidance scale into the single per-sample vector every adaptive norm
// consumes. Timestep and guidance are scaled by 1000 before the sinusoidal
// embedding, matching the convention of flow-matching training.
type Conditioning struct {
	Timestep *MLPEmbedder
	Guidance *MLPEmbedder // nil unless the model conditions on guidance
	Text     *MLPEmbedder
}

func NewConditioning(ctx ml.Context, rng *rand.Rand, pooledDim, dim int, guidance bool, dtype ml.DType) *Conditioning {
	c := &Conditioning{
		Timestep: NewMLPEmbedder(ctx, rng, sinusoidalDim, dim, dtype),
		Text:     NewMLPEmbedder(ctx, rng, pooledDim, dim, dtype),
	}
	if guidance {
		c.Guidance = NewMLPEmbedder(ctx, rng, sinusoidalDim, dim, dtype)
	}
	return c
}

func (m *Conditioning) Forward(ctx ml.Context, timestep, pooled, guidance ml.Tensor) (ml.Tensor, error) {
	tEmb, err := sinusoidal(ctx, timestep.Scale(ctx, 1000))
	if err != nil {
		return nil, err
	}

	temb := m.Timestep.Forward(ctx, tEmb)
	if m.Guidance != nil {
		if guidance == nil {
			return nil, errGuidanceMissing
		}

		gEmb, err := sinusoidal(ctx, guidance.Scale(ctx, 1000))
		if err != nil {
			return nil, err
		}
		temb = temb.Add(ctx, m.Guidance.Forward(ctx, gEmb))
	}

	return temb.Add(ctx, m.Text.Forward(ctx, pooled)), nil
}

// Modulation is the shift/scale/gate set an adaptive norm derives from the
// conditioning vector, one row per sample.
type Modulation struct {
	ShiftMSA, ScaleMSA, GateMSA ml.Tensor
	ShiftMLP, ScaleMLP, GateMLP ml.Tensor
}

// AdaLayerNormZero normalizes without learned affine parameters and instead
// modulates with six conditioning-derived vectors.
type AdaLayerNormZero struct {
	Proj *nn.Linear
}

func NewAdaLayerNormZero(ctx ml.Context, rng *rand.Rand, dim int, dtype ml.DType) *AdaLayerNormZero {
	return &AdaLayerNormZero{Proj: nn.NewLinear(ctx, rng, dim, 6*dim, true, dtype)}
}

func (m *AdaLayerNormZero) Forward(ctx ml.Context, t, temb ml.Tensor) (ml.Tensor, Modulation) {
	chunks := m.Proj.Forward(ctx, temb.SILU(ctx)).Chunk(ctx, 1, 6)
	mod := Modulation{
		ShiftMSA: chunks[0], ScaleMSA: chunks[1], GateMSA: chunks[2],
		ShiftMLP: chunks[3], ScaleMLP: chunks[4], GateMLP: chunks[5],
	}

	normed := t.LayerNorm(ctx, nil, nil, 1e-6)
	return modulate(ctx, normed, mod.ShiftMSA, mod.ScaleMSA), mod
}

// AdaLayerNormZeroSingle is the three-vector variant used by merged-stream
// blocks: one shift/scale pair applied here and a gate returned to the caller.
type AdaLayerNormZeroSingle struct {
	Proj *nn.Linear
}

func NewAdaLayerNormZeroSingle(ctx ml.Context, rng *rand.Rand, dim int, dtype ml.DType) *AdaLayerNormZeroSingle {
	return &AdaLayerNormZeroSingle{Proj: nn.NewLinear(ctx, rng, dim, 3*dim, true, dtype)}
}

func (m *AdaLayerNormZeroSingle) Forward(ctx ml.Context, t, temb ml.Tensor) (ml.Tensor, ml.Tensor) {
	chunks := m.Proj.Forward(ctx, temb.SILU(ctx)).Chunk(ctx, 1, 3)
	normed := t.LayerNorm(ctx, nil, nil, 1e-6)
	return modulate(ctx, normed, chunks[0], chunks[1]), chunks[2]
}

// AdaLayerNormContinuous is the output-head norm: shift and scale projected
// straight from the conditioning vector, no gating.
type AdaLayerNormContinuous struct {
	Proj *nn.Linear
}

func NewAdaLayerNormContinuous(ctx ml.Context, rng *rand.Rand, condDim, dim int, dtype ml.DType) *AdaLayerNormContinuous {
	return &AdaLayerNormContinuous{Proj: nn.NewLinear(ctx, rng, condDim, 2*dim, true, dtype)}
}

func (m *AdaLayerNormContinuous) Forward(ctx ml.Context, t, temb ml.Tensor) ml.Tensor {
	chunks := m.Proj.Forward(ctx, temb.SILU(ctx)).Chunk(ctx, 1, 2)
	normed := t.LayerNorm(ctx, nil, nil, 1e-6)
	return modulate(ctx, normed, chunks[0], chunks[1])
}

// modulate computes t*(1+scale)+shift with shift and scale broadcast from
// [batch, dim] over the token axis.
func modulate(ctx ml.Context, t, shift, scale ml.Tensor) ml.Tensor {
	shift = shift.Reshape(ctx, shift.Dim(0), 1, shift.Dim(1))
	scale = scale.Reshape(ctx, scale.Dim(0), 1, scale.Dim(1))
	return t.Add(ctx, t.Mul(ctx, scale)).Add(ctx, shift)
}

// gated broadcasts a [batch, dim] gate over the token axis and scales t.
func gated(ctx ml.Context, t, gate ml.Tensor) ml.Tensor {
	gate = gate.Reshape(ctx, gate.Dim(0), 1, gate.Dim(1))
	return t.Mul(ctx, gate)
}
