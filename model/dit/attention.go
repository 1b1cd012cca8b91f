package dit

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tessera-ml/tessera/ml"
	"github.com/tessera-ml/tessera/ml/nn"
)

const maskBias = -1e9

// JointAttention attends over concatenated (text, image) token streams. In
// dual-stream blocks the text stream runs through its own "added" projection
// set; in merged-stream blocks only the primary projections exist and the
// caller fuses the output projection with the MLP path.
type JointAttention struct {
	heads  int
	kernel nn.Kernel

	Query *nn.Linear
	Key   *nn.Linear
	Value *nn.Linear

	QueryNorm *nn.RMSNorm
	KeyNorm   *nn.RMSNorm

	AddedQuery *nn.Linear
	AddedKey   *nn.Linear
	AddedValue *nn.Linear

	AddedQueryNorm *nn.RMSNorm
	AddedKeyNorm   *nn.RMSNorm

	Out      *nn.Linear
	AddedOut *nn.Linear
}

func NewJointAttention(ctx ml.Context, rng *rand.Rand, dim, heads int, dual bool, kernel nn.Kernel, dtype ml.DType) *JointAttention {
	headDim := dim / heads
	a := &JointAttention{
		heads:     heads,
		kernel:    kernel,
		Query:     nn.NewLinear(ctx, rng, dim, dim, true, dtype),
		Key:       nn.NewLinear(ctx, rng, dim, dim, true, dtype),
		Value:     nn.NewLinear(ctx, rng, dim, dim, true, dtype),
		QueryNorm: nn.NewRMSNorm(ctx, headDim, dtype),
		KeyNorm:   nn.NewRMSNorm(ctx, headDim, dtype),
	}

	if dual {
		a.AddedQuery = nn.NewLinear(ctx, rng, dim, dim, true, dtype)
		a.AddedKey = nn.NewLinear(ctx, rng, dim, dim, true, dtype)
		a.AddedValue = nn.NewLinear(ctx, rng, dim, dim, true, dtype)
		a.AddedQueryNorm = nn.NewRMSNorm(ctx, headDim, dtype)
		a.AddedKeyNorm = nn.NewRMSNorm(ctx, headDim, dtype)
		a.Out = nn.NewLinear(ctx, rng, dim, dim, true, dtype)
		a.AddedOut = nn.NewLinear(ctx, rng, dim, dim, true, dtype)
	}
	return a
}

// ForwardSingle attends over one merged stream and returns the raw attention
// output without an output projection.
func (a *JointAttention) ForwardSingle(ctx ml.Context, t ml.Tensor, rope *RotaryEncoder, cos, sin, mask ml.Tensor) ml.Tensor {
	q := a.split(ctx, a.QueryNorm, a.Query.Forward(ctx, t))
	k := a.split(ctx, a.KeyNorm, a.Key.Forward(ctx, t))
	v := a.split(ctx, nil, a.Value.Forward(ctx, t))

	q = rope.Apply(ctx, q, cos, sin)
	k = rope.Apply(ctx, k, cos, sin)

	return a.merge(ctx, a.attend(ctx, q, k, v, mask))
}

// ForwardDual projects each stream separately, attends jointly over the
// text-then-image concatenation, splits the result back per stream and
// applies the per-stream output projections.
func (a *JointAttention) ForwardDual(ctx ml.Context, text, image ml.Tensor, rope *RotaryEncoder, cos, sin, mask ml.Tensor) (ml.Tensor, ml.Tensor) {
	textLen := text.Dim(1)

	q := a.split(ctx, a.QueryNorm, a.Query.Forward(ctx, image))
	k := a.split(ctx, a.KeyNorm, a.Key.Forward(ctx, image))
	v := a.split(ctx, nil, a.Value.Forward(ctx, image))

	tq := a.split(ctx, a.AddedQueryNorm, a.AddedQuery.Forward(ctx, text))
	tk := a.split(ctx, a.AddedKeyNorm, a.AddedKey.Forward(ctx, text))
	tv := a.split(ctx, nil, a.AddedValue.Forward(ctx, text))

	// text tokens lead the merged sequence
	q = tq.Concat(ctx, q, 2)
	k = tk.Concat(ctx, k, 2)
	v = tv.Concat(ctx, v, 2)

	q = rope.Apply(ctx, q, cos, sin)
	k = rope.Apply(ctx, k, cos, sin)

	out := a.merge(ctx, a.attend(ctx, q, k, v, mask))

	textOut := out.Slice(ctx, 1, 0, textLen)
	imageOut := out.Slice(ctx, 1, textLen, out.Dim(1))
	return a.AddedOut.Forward(ctx, textOut), a.Out.Forward(ctx, imageOut)
}

func (a *JointAttention) attend(ctx ml.Context, q, k, v, mask ml.Tensor) ml.Tensor {
	scale := 1 / math.Sqrt(float64(q.Dim(3)))
	return a.kernel(ctx, q, k, v, mask, scale)
}

// split reshapes [batch, tokens, dim] into [batch, heads, tokens, headDim]
// and applies the optional per-head norm.
func (a *JointAttention) split(ctx ml.Context, norm *nn.RMSNorm, t ml.Tensor) ml.Tensor {
	b, s, d := t.Dim(0), t.Dim(1), t.Dim(2)
	t = t.Reshape(ctx, b, s, a.heads, d/a.heads).Permute(ctx, 0, 2, 1, 3).Contiguous(ctx)
	if norm != nil {
		t = norm.Forward(ctx, t, 1e-6)
	}
	return t
}

func (a *JointAttention) merge(ctx ml.Context, t ml.Tensor) ml.Tensor {
	b, h, s, d := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	return t.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx).Reshape(ctx, b, s, h*d)
}

// ExpandMask widens a [batch, maskLen] keep-mask to the full merged token
// axis. Callers usually supply a mask over the text tokens only; the image
// suffix is padded with "attend" so image tokens are never masked out
// implicitly. A batch mismatch is a configuration error.
func ExpandMask(ctx ml.Context, mask ml.Tensor, batch, total int) (ml.Tensor, error) {
	shape := mask.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("dit: attention mask must be [batch, tokens], got %v", shape)
	}
	if shape[0] != batch {
		return nil, fmt.Errorf("dit: attention mask batch %d does not match hidden state batch %d", shape[0], batch)
	}
	if shape[1] > total {
		return nil, fmt.Errorf("dit: attention mask length %d exceeds %d merged tokens", shape[1], total)
	}

	src := mask.Floats()
	dst := make([]float32, batch*total)
	for b := 0; b < batch; b++ {
		copy(dst[b*total:], src[b*shape[1]:(b+1)*shape[1]])
		for i := shape[1]; i < total; i++ {
			dst[b*total+i] = 1
		}
	}
	return ctx.FromFloatSlice(dst, batch, total)
}

// additiveMask converts a [batch, tokens] keep-mask into an additive bias
// [batch, 1, 1, tokens] broadcast over heads and queries.
func additiveMask(ctx ml.Context, mask ml.Tensor) (ml.Tensor, error) {
	b, n := mask.Dim(0), mask.Dim(1)
	src := mask.Floats()

	bias := make([]float32, len(src))
	for i, v := range src {
		if v == 0 {
			bias[i] = maskBias
		}
	}
	return ctx.FromFloatSlice(bias, b, 1, 1, n)
}
