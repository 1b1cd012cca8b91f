package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tessera-ml/tessera/diffusion"
	"github.com/tessera-ml/tessera/ml"
	_ "github.com/tessera-ml/tessera/ml/backend/cpu"
	"github.com/tessera-ml/tessera/model/dit"
)

func TestLookup(t *testing.T) {
	flux, err := Lookup(FamilyFlux)
	require.NoError(t, err)
	require.True(t, flux.FlowMatching)
	require.True(t, flux.GuidanceEmbeds)
	require.Equal(t, 4, flux.EmbedArity)
	require.Equal(t, 16, flux.Multiple)

	sd3, err := Lookup(FamilySD3)
	require.NoError(t, err)
	require.True(t, sd3.SkipLayerGuidance)

	df, err := Lookup(FamilyDeepFloydStage2)
	require.NoError(t, err)
	require.Equal(t, 256, df.MinEdge)

	_, err = Lookup("imagen")
	require.ErrorContains(t, err, "unknown model family")
}

func TestFamiliesCoversAll(t *testing.T) {
	require.Len(t, Families(), 6)
}

func newTestTransformer(t *testing.T) (ml.Backend, *dit.Transformer) {
	t.Helper()

	b, err := ml.NewBackend("cpu")
	require.NoError(t, err)

	tr, err := dit.New(b, dit.Config{
		InChannels:          4,
		PatchSize:           1,
		NumLayers:           1,
		NumSingleLayers:     1,
		AttentionHeadDim:    8,
		NumAttentionHeads:   2,
		JointAttentionDim:   16,
		PooledProjectionDim: 8,
		GuidanceEmbeds:      true,
		AxesDimsRope:        []int{4, 2, 2},
		RopeTheta:           10000,
	})
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return b, tr
}

func newFluxPipeline(t *testing.T) (Pipeline, ml.Backend, *dit.Transformer) {
	t.Helper()

	b, tr := newTestTransformer(t)
	p, err := New(FamilyFlux, Components{
		Backend:     b,
		Transformer: tr,
		Decoder:     diffusion.PreviewDecoder{},

		TrainTimesteps: 1000,
	})
	require.NoError(t, err)
	return p, b, tr
}

func testEmbeds(t *testing.T, ctx ml.Context) Embeddings {
	t.Helper()

	const textLen = 3
	embeds, err := ctx.FromFloatSlice(make([]float32, textLen*16), 1, textLen, 16)
	require.NoError(t, err)
	pooled, err := ctx.FromFloatSlice(make([]float32, 8), 1, 8)
	require.NoError(t, err)
	mask, err := ctx.FromFloatSlice([]float32{1, 1, 1}, 1, textLen)
	require.NoError(t, err)

	return Embeddings{Embeds: embeds, Pooled: pooled, Mask: mask}
}

func TestFluxGenerate(t *testing.T) {
	p, b, _ := newFluxPipeline(t)
	ctx := b.NewContext()

	img, err := p.Generate(context.Background(), Request{
		Prompt:   "a lighthouse at dusk",
		Embeds:   testEmbeds(t, ctx),
		Width:    32,
		Height:   32,
		Steps:    2,
		Guidance: 3.5,
		Seed:     7,
	})
	require.NoError(t, err)

	bounds := img.Bounds()
	require.Equal(t, 2, bounds.Dx())
	require.Equal(t, 2, bounds.Dy())
}

func TestFluxGenerateDeterministicSeed(t *testing.T) {
	p, b, _ := newFluxPipeline(t)
	ctx := b.NewContext()

	req := Request{
		Embeds: testEmbeds(t, ctx),
		Width:  32, Height: 32,
		Steps: 2, Seed: 11,
	}

	a, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	b2, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, a, b2)
}

func TestFluxGenerateRejectsBadResolution(t *testing.T) {
	p, b, _ := newFluxPipeline(t)
	ctx := b.NewContext()

	_, err := p.Generate(context.Background(), Request{
		Embeds: testEmbeds(t, ctx),
		Width:  30, Height: 32,
	})
	require.ErrorContains(t, err, "not a multiple")
}

func TestFluxGenerateRequiresEmbeddings(t *testing.T) {
	p, _, _ := newFluxPipeline(t)

	_, err := p.Generate(context.Background(), Request{Width: 32, Height: 32})
	require.ErrorContains(t, err, "missing prompt embeddings")
}

func TestFluxGenerateHonorsCancellation(t *testing.T) {
	p, b, _ := newFluxPipeline(t)
	mlCtx := b.NewContext()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Generate(ctx, Request{
		Embeds: testEmbeds(t, mlCtx),
		Width:  32, Height: 32,
		Steps: 2,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresModelShard(t *testing.T) {
	b, err := ml.NewBackend("cpu")
	require.NoError(t, err)

	_, err = New(FamilyFlux, Components{Backend: b})
	require.ErrorContains(t, err, "requires a transformer")

	_, err = New(FamilySDXL, Components{Backend: b})
	require.ErrorContains(t, err, "requires a denoiser")
}

func TestFluxTimestepRangeNormalization(t *testing.T) {
	b, tr := newTestTransformer(t)

	p, err := New(FamilyFlux, Components{
		Backend:     b,
		Transformer: tr,
		Decoder:     diffusion.PreviewDecoder{},

		TrainTimesteps: 2000,
	})
	require.NoError(t, err)

	fp := p.(*fluxPipeline)
	require.Equal(t, 2000.0, fp.trainTimesteps)

	// the fresh scheduler spans the configured range, and dividing by that
	// range keeps every conditioning timestep inside [0, 1]
	fp.sched.SetSteps(10)
	ts := fp.sched.Timesteps()
	require.InDelta(t, 2000, ts[0], 1e-9)
	for _, v := range ts {
		require.LessOrEqual(t, v/fp.trainTimesteps, 1.0)
		require.Greater(t, v/fp.trainTimesteps, 0.0)
	}

	ctx := b.NewContext()
	_, err = p.Generate(context.Background(), Request{
		Embeds: testEmbeds(t, ctx),
		Width:  32, Height: 32,
		Steps: 2, Seed: 3,
	})
	require.NoError(t, err)
}

func TestFluxDefaultsTimestepRange(t *testing.T) {
	b, tr := newTestTransformer(t)

	p, err := New(FamilyFlux, Components{
		Backend:     b,
		Transformer: tr,
		Decoder:     diffusion.PreviewDecoder{},
	})
	require.NoError(t, err)
	require.Equal(t, 1000.0, p.(*fluxPipeline).trainTimesteps)
}

func TestSchedulerSwap(t *testing.T) {
	p, _, _ := newFluxPipeline(t)
	require.True(t, p.Scheduler().FlowMatching())

	euler, err := diffusion.New("euler", 1000)
	require.NoError(t, err)
	p.SetScheduler(euler)
	require.False(t, p.Scheduler().FlowMatching())
}
