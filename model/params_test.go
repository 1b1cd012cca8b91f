package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tessera-ml/tessera/ml"
	_ "github.com/tessera-ml/tessera/ml/backend/cpu"
)

type testLayer struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

type testModel struct {
	Base

	Embed  *testLayer
	Blocks []*testLayer
	hidden ml.Tensor // unexported, must not be collected
}

func TestNamedParameters(t *testing.T) {
	b, err := ml.NewBackend("cpu")
	require.NoError(t, err)
	ctx := b.NewContext()

	m := &testModel{
		Base:  NewBase(b),
		Embed: &testLayer{Weight: ctx.Zeros(ml.DTypeF32, 2, 2)},
		Blocks: []*testLayer{
			{Weight: ctx.Zeros(ml.DTypeF32, 2), Bias: ctx.Zeros(ml.DTypeF32, 2)},
			{Weight: ctx.Zeros(ml.DTypeF32, 2)},
		},
		hidden: ctx.Zeros(ml.DTypeF32, 1),
	}

	params := NamedParameters(m)
	require.Contains(t, params, "Embed.Weight")
	require.Contains(t, params, "Blocks.0.Weight")
	require.Contains(t, params, "Blocks.0.Bias")
	require.Contains(t, params, "Blocks.1.Weight")
	require.Len(t, params, 4)
}

func TestRegistryUnknownArchitecture(t *testing.T) {
	b, err := ml.NewBackend("cpu")
	require.NoError(t, err)

	_, err = New("unet-v9", b, nil)
	require.Error(t, err)
}
