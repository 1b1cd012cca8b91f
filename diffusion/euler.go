package diffusion

import (
	"math"
	"math/rand"

	"github.com/tessera-ml/tessera/ml"
)

// Euler is the discrete Euler sampler over a scaled-linear beta schedule,
// optionally with ancestral noise injection. Model outputs are epsilon
// predictions.
type Euler struct {
	ancestral bool
	allSigmas []float64
	sigmas    []float64
	timesteps []float64
}

func newEuler(trainSteps int, ancestral bool) *Euler {
	ac := alphasCumprod(trainSteps)
	sigmas := make([]float64, trainSteps)
	for i, a := range ac {
		sigmas[i] = math.Sqrt((1 - a) / a)
	}
	return &Euler{ancestral: ancestral, allSigmas: sigmas}
}

func (s *Euler) FlowMatching() bool {
	return false
}

func (s *Euler) SetSteps(steps int) {
	train := len(s.allSigmas)
	s.sigmas = make([]float64, steps+1)
	s.timesteps = make([]float64, steps)
	for i := 0; i < steps; i++ {
		// a single step denoises from the highest-noise timestep
		t := float64(train - 1)
		if steps > 1 {
			t = float64(train-1) * float64(steps-1-i) / float64(steps-1)
		}
		s.timesteps[i] = t
		s.sigmas[i] = s.allSigmas[int(t)]
	}
	s.sigmas[steps] = 0
}

func (s *Euler) Timesteps() []float64 {
	return s.timesteps
}

func (s *Euler) Step(ctx ml.Context, output, sample ml.Tensor, i int, rng *rand.Rand) (ml.Tensor, error) {
	sigma, sigmaNext := s.sigmas[i], s.sigmas[i+1]

	if !s.ancestral {
		return sample.Add(ctx, output.Scale(ctx, sigmaNext-sigma)), nil
	}

	sigmaUp := 0.0
	sigmaDown := sigmaNext
	if sigmaNext > 0 {
		sigmaUp = math.Sqrt(sigmaNext * sigmaNext * (sigma*sigma - sigmaNext*sigmaNext) / (sigma * sigma))
		sigmaDown = math.Sqrt(sigmaNext*sigmaNext - sigmaUp*sigmaUp)
	}

	prev := sample.Add(ctx, output.Scale(ctx, sigmaDown-sigma))
	if sigmaUp > 0 {
		noise, err := gaussianLike(ctx, rng, sample)
		if err != nil {
			return nil, err
		}
		prev = prev.Add(ctx, noise.Scale(ctx, sigmaUp))
	}
	return prev, nil
}
