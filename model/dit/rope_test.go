package dit

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func TestRotaryEncodeShapes(t *testing.T) {
	_, ctx := newTestModel(t)

	e, err := NewRotaryEncoder(10000, 4, 2, 2)
	require.NoError(t, err)
	require.Equal(t, 8, e.Dim())

	ids, err := ctx.FromIntSlice([]int32{
		0, 0, 0,
		0, 0, 1,
		0, 1, 0,
		0, 1, 1,
		0, 2, 3,
	}, 5, 3)
	require.NoError(t, err)

	cos, sin, err := e.Encode(ctx, ids)
	require.NoError(t, err)
	require.Equal(t, []int{5, 8}, cos.Shape())
	require.Equal(t, []int{5, 8}, sin.Shape())

	// position zero rotates nothing
	first := cos.Floats()[:8]
	approxSlice(t, []float32{1, 1, 1, 1, 1, 1, 1, 1}, first, 0)
	approxSlice(t, []float32{0, 0, 0, 0, 0, 0, 0, 0}, sin.Floats()[:8], 0)
}

func TestRotaryAxisMismatch(t *testing.T) {
	_, ctx := newTestModel(t)

	e, err := NewRotaryEncoder(10000, 4, 4)
	require.NoError(t, err)

	ids, err := ctx.FromIntSlice([]int32{0, 0, 0, 0, 0, 0}, 2, 3)
	require.NoError(t, err)

	_, _, err = e.Encode(ctx, ids)
	require.ErrorContains(t, err, "rotary axes")
}

func TestRotaryOddAxisRejected(t *testing.T) {
	_, err := NewRotaryEncoder(10000, 4, 3)
	require.ErrorContains(t, err, "not even")
}

func TestRotaryApplyPreservesNorm(t *testing.T) {
	_, ctx := newTestModel(t)

	e, err := NewRotaryEncoder(10000, 2, 2)
	require.NoError(t, err)

	ids, err := ctx.FromIntSlice([]int32{3, 7}, 1, 2)
	require.NoError(t, err)
	cos, sin, err := e.Encode(ctx, ids)
	require.NoError(t, err)

	x, err := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 1, 1, 1, 4)
	require.NoError(t, err)

	// rotation preserves the norm of each feature pair
	rotated := e.Apply(ctx, x, cos, sin).Floats()
	in := x.Floats()
	for j := 0; j < 4; j += 2 {
		wantSq := in[j]*in[j] + in[j+1]*in[j+1]
		gotSq := rotated[j]*rotated[j] + rotated[j+1]*rotated[j+1]
		require.InDelta(t, wantSq, gotSq, 1e-4)
	}
}

func TestExpandMaskPadsImageTokens(t *testing.T) {
	_, ctx := newTestModel(t)

	mask, err := ctx.FromFloatSlice([]float32{1, 0, 1, 1}, 2, 2)
	require.NoError(t, err)

	expanded, err := ExpandMask(ctx, mask, 2, 5)
	require.NoError(t, err)
	require.Equal(t, []int{2, 5}, expanded.Shape())

	want := []float32{
		1, 0, 1, 1, 1,
		1, 1, 1, 1, 1,
	}
	approxSlice(t, want, expanded.Floats(), 0)

	_, err = ExpandMask(ctx, mask, 3, 5)
	require.ErrorContains(t, err, "batch")
}

func approxSlice(t *testing.T, want, got []float32, tol float64) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, tol)); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}
