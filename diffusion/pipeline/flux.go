package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math/rand"

	"github.com/tessera-ml/tessera/diffusion"
	"github.com/tessera-ml/tessera/ml"
	"github.com/tessera-ml/tessera/model/dit"
)

// latentPatch is the edge of the packed latent patch: the VAE downsamples by
// 8 and the transformer packs 2x2 latent pixels per token.
const latentPatch = 16

type fluxPipeline struct {
	backend ml.Backend
	model   *dit.Transformer
	decoder diffusion.Decoder
	encoder diffusion.Encoder
	sched   diffusion.Scheduler
	desc    Descriptor

	// trainTimesteps normalizes scheduler timesteps into the [0, 1]
	// conditioning range the transformer expects.
	trainTimesteps float64
}

func newFlux(c Components, desc Descriptor) (*fluxPipeline, error) {
	trainTimesteps := c.TrainTimesteps
	if trainTimesteps <= 0 {
		trainTimesteps = 1000
	}

	sched := c.Scheduler
	if sched == nil {
		sched = diffusion.NewFlowMatchEuler(trainTimesteps, 1)
	}

	return &fluxPipeline{
		backend:        c.Backend,
		model:          c.Transformer,
		decoder:        c.Decoder,
		encoder:        c.Encoder,
		sched:          sched,
		desc:           desc,
		trainTimesteps: float64(trainTimesteps),
	}, nil
}

func (p *fluxPipeline) Scheduler() diffusion.Scheduler {
	return p.sched
}

func (p *fluxPipeline) SetScheduler(s diffusion.Scheduler) {
	p.sched = s
}

func (p *fluxPipeline) Release() {
	if p.decoder != nil {
		p.decoder.Release()
	}
}

func (p *fluxPipeline) Generate(ctx context.Context, req Request) (image.Image, error) {
	if req.Width%latentPatch != 0 || req.Height%latentPatch != 0 {
		return nil, fmt.Errorf("pipeline: resolution %dx%d is not a multiple of %d", req.Width, req.Height, latentPatch)
	}
	if req.Embeds.Embeds == nil || req.Embeds.Pooled == nil {
		return nil, fmt.Errorf("pipeline: missing prompt embeddings for %q", req.Prompt)
	}

	mctx := p.backend.NewContext()
	defer mctx.Close()

	rows, cols := req.Height/latentPatch, req.Width/latentPatch
	tokens := rows * cols
	channels := p.model.Config().InChannels

	rng := rand.New(rand.NewSource(req.Seed))
	latents, err := gaussian(mctx, rng, 1, tokens, channels)
	if err != nil {
		return nil, err
	}

	imageIDs, err := spatialIDs(mctx, rows, cols)
	if err != nil {
		return nil, err
	}
	textLen := req.Embeds.Embeds.Dim(1)
	textIDs, err := mctx.FromIntSlice(make([]int32, textLen*3), textLen, 3)
	if err != nil {
		return nil, err
	}

	steps := req.Steps
	if steps <= 0 {
		steps = 20
	}
	p.sched.SetSteps(steps)
	timesteps := p.sched.Timesteps()

	start := 0
	if req.Image != nil {
		if p.encoder == nil {
			return nil, fmt.Errorf("pipeline: image conditioning requires an encoder")
		}

		clean, err := p.encoder.Encode(mctx, req.Image)
		if err != nil {
			return nil, err
		}

		start = int(float64(steps) * (1 - req.Strength))
		if fm, ok := p.sched.(*diffusion.FlowMatchEuler); ok {
			latents = fm.ScaleNoise(mctx, clean, latents, start)
		}
	}

	var guidance ml.Tensor
	if p.desc.GuidanceEmbeds {
		if guidance, err = mctx.FromFloatSlice([]float32{float32(req.Guidance)}, 1); err != nil {
			return nil, err
		}
	}

	for i := start; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		timestep, err := mctx.FromFloatSlice([]float32{float32(timesteps[i] / p.trainTimesteps)}, 1)
		if err != nil {
			return nil, err
		}

		pred, err := p.model.Forward(mctx, dit.Input{
			Image:    latents,
			Text:     req.Embeds.Embeds,
			Pooled:   req.Embeds.Pooled,
			Timestep: timestep,
			Guidance: guidance,
			TextIDs:  textIDs,
			ImageIDs: imageIDs,
			Mask:     req.Embeds.Mask,
		})
		if err != nil {
			return nil, err
		}

		if latents, err = p.sched.Step(mctx, pred, latents, i, rng); err != nil {
			return nil, err
		}
	}

	slog.Debug("denoising complete", "prompt", req.Prompt, "steps", steps-start, "activation_bytes", mctx.ActivationBytes())
	if p.decoder == nil {
		return nil, fmt.Errorf("pipeline: no decoder attached")
	}

	// unpack the token sequence into its spatial grid for the decoder
	spatial := latents.Reshape(mctx, 1, rows, cols, channels).Permute(mctx, 0, 3, 1, 2).Contiguous(mctx)
	return p.decoder.Decode(mctx, spatial)
}

// spatialIDs builds the (0, row, col) position-id triples for packed image
// tokens, row-major.
func spatialIDs(ctx ml.Context, rows, cols int) (ml.Tensor, error) {
	ids := make([]int32, 0, rows*cols*3)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			ids = append(ids, 0, int32(r), int32(c))
		}
	}
	return ctx.FromIntSlice(ids, rows*cols, 3)
}

func gaussian(ctx ml.Context, rng *rand.Rand, shape ...int) (ml.Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = float32(rng.NormFloat64())
	}
	return ctx.FromFloatSlice(s, shape...)
}
