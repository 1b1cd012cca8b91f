package diffusion

import (
	"math"
	"math/rand"

	"github.com/tessera-ml/tessera/ml"
)

// discreteGrid maps an inference step count onto the training timestep range.
type discreteGrid struct {
	ac        []float64
	indices   []int
	timesteps []float64
}

func (g *discreteGrid) setSteps(steps int) {
	train := len(g.ac)
	g.indices = make([]int, steps)
	g.timesteps = make([]float64, steps)
	for i := 0; i < steps; i++ {
		t := (train / steps) * (steps - 1 - i)
		g.indices[i] = t
		g.timesteps[i] = float64(t)
	}
}

func (g *discreteGrid) prevAlpha(i int) float64 {
	if i+1 < len(g.indices) {
		return g.ac[g.indices[i+1]]
	}
	return 1
}

// DDIM is the deterministic denoising-implicit sampler for epsilon
// predictions.
type DDIM struct {
	discreteGrid
}

func newDDIM(trainSteps int) *DDIM {
	return &DDIM{discreteGrid{ac: alphasCumprod(trainSteps)}}
}

func (s *DDIM) FlowMatching() bool {
	return false
}

func (s *DDIM) SetSteps(steps int) {
	s.setSteps(steps)
}

func (s *DDIM) Timesteps() []float64 {
	return s.timesteps
}

func (s *DDIM) Step(ctx ml.Context, output, sample ml.Tensor, i int, rng *rand.Rand) (ml.Tensor, error) {
	ac := s.ac[s.indices[i]]
	acPrev := s.prevAlpha(i)

	// reconstruct x0, then re-noise to the previous level
	x0 := sample.Scale(ctx, 1/math.Sqrt(ac)).Add(ctx, output.Scale(ctx, -math.Sqrt(1-ac)/math.Sqrt(ac)))
	return x0.Scale(ctx, math.Sqrt(acPrev)).Add(ctx, output.Scale(ctx, math.Sqrt(1-acPrev))), nil
}

// DDPM is the ancestral sampler with the fixed-small posterior variance.
// Schedulers configured with a learned variance are normalized to this one.
type DDPM struct {
	discreteGrid
}

func newDDPM(trainSteps int) *DDPM {
	return &DDPM{discreteGrid{ac: alphasCumprod(trainSteps)}}
}

func (s *DDPM) FlowMatching() bool {
	return false
}

func (s *DDPM) SetSteps(steps int) {
	s.setSteps(steps)
}

func (s *DDPM) Timesteps() []float64 {
	return s.timesteps
}

func (s *DDPM) Step(ctx ml.Context, output, sample ml.Tensor, i int, rng *rand.Rand) (ml.Tensor, error) {
	t := s.indices[i]
	ac := s.ac[t]
	acPrev := s.prevAlpha(i)
	alpha := ac / acPrev
	beta := 1 - alpha

	x0 := sample.Scale(ctx, 1/math.Sqrt(ac)).Add(ctx, output.Scale(ctx, -math.Sqrt(1-ac)/math.Sqrt(ac)))

	meanX0 := math.Sqrt(acPrev) * beta / (1 - ac)
	meanXt := math.Sqrt(alpha) * (1 - acPrev) / (1 - ac)
	prev := x0.Scale(ctx, meanX0).Add(ctx, sample.Scale(ctx, meanXt))

	if t > 0 {
		variance := beta * (1 - acPrev) / (1 - ac)
		noise, err := gaussianLike(ctx, rng, sample)
		if err != nil {
			return nil, err
		}
		prev = prev.Add(ctx, noise.Scale(ctx, math.Sqrt(variance)))
	}
	return prev, nil
}
