package nn

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/tessera-ml/tessera/ml"
	_ "github.com/tessera-ml/tessera/ml/backend/cpu"
)

func newCtx(t *testing.T) ml.Context {
	t.Helper()
	b, err := ml.NewBackend("cpu")
	require.NoError(t, err)
	return b.NewContext()
}

func TestLinearForward(t *testing.T) {
	ctx := newCtx(t)
	rng := rand.New(rand.NewSource(0))

	l := NewLinear(ctx, rng, 4, 2, true, ml.DTypeF32)
	require.NotNil(t, l.Bias)

	x, err := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 1, 4)
	require.NoError(t, err)

	out := l.Forward(ctx, x)
	require.Equal(t, []int{1, 2}, out.Shape())
}

func TestLinearNoBias(t *testing.T) {
	ctx := newCtx(t)
	rng := rand.New(rand.NewSource(0))

	l := NewLinear(ctx, rng, 3, 3, false, ml.DTypeF32)
	require.Nil(t, l.Bias)
}

func TestNormLayersIdentityOnUnitInput(t *testing.T) {
	ctx := newCtx(t)

	x, err := ctx.FromFloatSlice([]float32{1, 1, 1, 1}, 1, 4)
	require.NoError(t, err)

	rms := NewRMSNorm(ctx, 4, ml.DTypeF32)
	got := rms.Forward(ctx, x, 0).Floats()
	if diff := cmp.Diff([]float32{1, 1, 1, 1}, got, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("rmsnorm of unit vector (-want +got):\n%s", diff)
	}
}

func TestPickKernelPrefersFused(t *testing.T) {
	ctx := newCtx(t)

	_, name := PickKernel(ctx.Zeros(ml.DTypeF32, 1))
	require.Equal(t, "fused", name)
}

func TestKernelByName(t *testing.T) {
	for _, name := range []string{"fused", "mulmat"} {
		k, err := KernelByName(name)
		require.NoError(t, err)
		require.NotNil(t, k)
	}

	_, err := KernelByName("tensor-cores")
	require.Error(t, err)
}

func TestNaiveMatchesFused(t *testing.T) {
	ctx := newCtx(t)

	const b, h, s, d = 1, 2, 4, 4
	vals := make([]float32, b*h*s*d)
	rng := rand.New(rand.NewSource(1))
	for i := range vals {
		vals[i] = float32(rng.NormFloat64())
	}

	q, err := ctx.FromFloatSlice(vals, b, h, s, d)
	require.NoError(t, err)
	k := q.Scale(ctx, 0.5)
	v := q.Scale(ctx, -1)

	fused, err := KernelByName("fused")
	require.NoError(t, err)
	naive, err := KernelByName("mulmat")
	require.NoError(t, err)

	fa := fused(ctx, q, k, v, nil, 0.5).Floats()
	na := naive(ctx, q, k, v, nil, 0.5).Floats()
	if diff := cmp.Diff(na, fa, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("kernels disagree (-naive +fused):\n%s", diff)
	}
}
