package cpu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ml/tessera/ml"
)

func newCtx(t *testing.T) ml.Context {
	t.Helper()
	b, err := ml.NewBackend("cpu")
	require.NoError(t, err)
	return b.NewContext()
}

func fromFloats(t *testing.T, ctx ml.Context, s []float32, shape ...int) ml.Tensor {
	t.Helper()
	tensor, err := ctx.FromFloatSlice(s, shape...)
	require.NoError(t, err)
	return tensor
}

func approx(t *testing.T, want, got []float32, tol float64) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, tol)); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestAddBroadcast(t *testing.T) {
	ctx := newCtx(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := fromFloats(t, ctx, []float32{10, 20, 30}, 1, 3)

	got := a.Add(ctx, b).Floats()
	approx(t, []float32{11, 22, 33, 14, 25, 36}, got, 0)
}

func TestMulScaleNeg(t *testing.T) {
	ctx := newCtx(t)

	a := fromFloats(t, ctx, []float32{1, -2, 3}, 3)
	b := fromFloats(t, ctx, []float32{2, 2, 2}, 3)

	approx(t, []float32{2, -4, 6}, a.Mul(ctx, b).Floats(), 0)
	approx(t, []float32{0.5, -1, 1.5}, a.Scale(ctx, 0.5).Floats(), 1e-6)
	approx(t, []float32{-1, 2, -3}, a.Neg(ctx).Floats(), 0)
}

func TestMatmul(t *testing.T) {
	ctx := newCtx(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 2, 2)
	b := fromFloats(t, ctx, []float32{5, 6, 7, 8}, 2, 2)

	got := a.Matmul(ctx, b)
	require.Equal(t, []int{2, 2}, got.Shape())
	approx(t, []float32{19, 22, 43, 50}, got.Floats(), 1e-5)
}

func TestMatmulBatchBroadcast(t *testing.T) {
	ctx := newCtx(t)

	// [2, 2, 3] x [3, 2] broadcasts the rank-2 operand over the batch
	a := fromFloats(t, ctx, []float32{
		1, 0, 0, 0, 1, 0,
		0, 0, 1, 1, 1, 1,
	}, 2, 2, 3)
	b := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 3, 2)

	got := a.Matmul(ctx, b)
	require.Equal(t, []int{2, 2, 2}, got.Shape())
	approx(t, []float32{1, 2, 3, 4, 5, 6, 9, 12}, got.Floats(), 1e-5)
}

func TestSoftmaxRows(t *testing.T) {
	ctx := newCtx(t)

	a := fromFloats(t, ctx, []float32{0, 0, 1000, 1000}, 2, 2)
	got := a.Softmax(ctx).Floats()
	approx(t, []float32{0.5, 0.5, 0.5, 0.5}, got, 1e-6)
}

func TestLayerNorm(t *testing.T) {
	ctx := newCtx(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 1, 4)
	got := a.LayerNorm(ctx, nil, nil, 1e-6).Floats()

	var mean float32
	for _, v := range got {
		mean += v
	}
	require.InDelta(t, 0, mean, 1e-5)
	require.InDelta(t, -got[0], got[3], 1e-5)
}

func TestRMSNorm(t *testing.T) {
	ctx := newCtx(t)

	a := fromFloats(t, ctx, []float32{3, 4}, 1, 2)
	weight := fromFloats(t, ctx, []float32{1, 1}, 2)

	// rms of (3,4) is sqrt(12.5)
	got := a.RMSNorm(ctx, weight, 0).Floats()
	approx(t, []float32{0.8485281, 1.1313708}, got, 1e-5)
}

func TestReshapePermuteSlice(t *testing.T) {
	ctx := newCtx(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	r := a.Reshape(ctx, 3, 2)
	require.Equal(t, []int{3, 2}, r.Shape())
	approx(t, []float32{1, 2, 3, 4, 5, 6}, r.Floats(), 0)

	p := a.Permute(ctx, 1, 0)
	require.Equal(t, []int{3, 2}, p.Shape())
	approx(t, []float32{1, 4, 2, 5, 3, 6}, p.Floats(), 0)

	s := a.Slice(ctx, 1, 1, 3)
	require.Equal(t, []int{2, 2}, s.Shape())
	approx(t, []float32{2, 3, 5, 6}, s.Floats(), 0)
}

func TestConcatChunk(t *testing.T) {
	ctx := newCtx(t)

	a := fromFloats(t, ctx, []float32{1, 2}, 1, 2)
	b := fromFloats(t, ctx, []float32{3, 4}, 1, 2)

	c := a.Concat(ctx, b, 1)
	require.Equal(t, []int{1, 4}, c.Shape())
	approx(t, []float32{1, 2, 3, 4}, c.Floats(), 0)

	chunks := c.Chunk(ctx, 1, 2)
	require.Len(t, chunks, 2)
	approx(t, []float32{1, 2}, chunks[0].Floats(), 0)
	approx(t, []float32{3, 4}, chunks[1].Floats(), 0)
}

func TestHalfPrecisionRoundTrip(t *testing.T) {
	ctx := newCtx(t)

	a := fromFloats(t, ctx, []float32{1.0001, -2.5, 1e-8}, 3)

	for _, dtype := range []ml.DType{ml.DTypeF16, ml.DTypeBF16} {
		half := a.Convert(ctx, dtype)
		require.Equal(t, dtype, half.DType())

		back := half.Convert(ctx, ml.DTypeF32).Floats()
		// storage rounds; values must be close but need not be exact
		approx(t, []float32{1, -2.5, 0}, back, 1e-2)
	}
}

func TestFusedAttentionMatchesNaive(t *testing.T) {
	ctx := newCtx(t)

	const b, h, s, d = 1, 2, 3, 4
	q := fromFloats(t, ctx, ramp(b*h*s*d, 0.01), b, h, s, d)
	k := fromFloats(t, ctx, ramp(b*h*s*d, -0.02), b, h, s, d)
	v := fromFloats(t, ctx, ramp(b*h*s*d, 0.03), b, h, s, d)

	scale := 0.5
	fused := q.(ml.ScaledDotProductAttention).ScaledDotProductAttention(ctx, k, v, nil, scale)

	kT := k.Permute(ctx, 0, 1, 3, 2).Contiguous(ctx)
	naive := q.Matmul(ctx, kT).Scale(ctx, scale).Softmax(ctx).Matmul(ctx, v)

	approx(t, naive.Floats(), fused.Floats(), 1e-5)
}

func TestFusedAttentionMask(t *testing.T) {
	ctx := newCtx(t)

	const b, h, s, d = 1, 1, 2, 2
	q := fromFloats(t, ctx, ramp(b*h*s*d, 0.1), b, h, s, d)
	k := fromFloats(t, ctx, ramp(b*h*s*d, 0.2), b, h, s, d)
	v := fromFloats(t, ctx, []float32{1, 2, 100, 200}, b, h, s, d)

	// bias out the second key entirely
	mask := fromFloats(t, ctx, []float32{0, -1e9}, 1, 1, 1, 2)

	got := q.(ml.ScaledDotProductAttention).ScaledDotProductAttention(ctx, k, v, mask, 1).Floats()
	approx(t, []float32{1, 2, 1, 2}, got, 1e-4)
}

func TestCheckpointKeepsOutputs(t *testing.T) {
	ctx := newCtx(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3}, 3)
	outs := ctx.Checkpoint(func(c ml.Context) []ml.Tensor {
		tmp := a.Scale(c, 2)
		return []ml.Tensor{tmp.Add(c, a)}
	})

	require.Len(t, outs, 1)
	approx(t, []float32{3, 6, 9}, outs[0].Floats(), 1e-6)
}

func ramp(n int, step float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = step * float32(i)
	}
	return s
}
