package pipeline

import (
	"context"
	"fmt"
	"image"
	"math/rand"

	"github.com/tessera-ml/tessera/diffusion"
	"github.com/tessera-ml/tessera/ml"
)

const latentChannels = 4

// genericPipeline drives the denoising loop for families whose denoiser is
// an external collaborator (UNet families and the pixel-space stage-2
// refiner). Classifier-free guidance, when a family uses it, lives inside
// the denoiser.
type genericPipeline struct {
	family  Family
	backend ml.Backend
	model   Denoiser
	decoder diffusion.Decoder
	sched   diffusion.Scheduler
	desc    Descriptor
}

func newGeneric(family Family, c Components, desc Descriptor) (*genericPipeline, error) {
	sched := c.Scheduler
	if sched == nil {
		var err error
		if sched, err = diffusion.New("euler", c.TrainTimesteps); err != nil {
			return nil, err
		}
	}

	return &genericPipeline{
		family:  family,
		backend: c.Backend,
		model:   c.Denoiser,
		decoder: c.Decoder,
		sched:   sched,
		desc:    desc,
	}, nil
}

func (p *genericPipeline) Scheduler() diffusion.Scheduler {
	return p.sched
}

func (p *genericPipeline) SetScheduler(s diffusion.Scheduler) {
	p.sched = s
}

func (p *genericPipeline) Release() {
	if p.decoder != nil {
		p.decoder.Release()
	}
}

func (p *genericPipeline) Generate(ctx context.Context, req Request) (image.Image, error) {
	if p.desc.MinEdge > 0 && (req.Width < p.desc.MinEdge || req.Height < p.desc.MinEdge) {
		return nil, fmt.Errorf("pipeline: family %q requires edges of at least %dpx, got %dx%d",
			p.family, p.desc.MinEdge, req.Width, req.Height)
	}

	mctx := p.backend.NewContext()
	defer mctx.Close()

	rng := rand.New(rand.NewSource(req.Seed))
	latents, err := gaussian(mctx, rng, 1, latentChannels, req.Height/8, req.Width/8)
	if err != nil {
		return nil, err
	}

	steps := req.Steps
	if steps <= 0 {
		steps = 30
	}
	p.sched.SetSteps(steps)
	timesteps := p.sched.Timesteps()

	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pred, err := p.model.Denoise(mctx, latents, timesteps[i], req.Embeds, req.Guidance)
		if err != nil {
			return nil, err
		}

		if latents, err = p.sched.Step(mctx, pred, latents, i, rng); err != nil {
			return nil, err
		}
	}

	if p.decoder == nil {
		return nil, fmt.Errorf("pipeline: no decoder attached")
	}
	return p.decoder.Decode(mctx, latents)
}
