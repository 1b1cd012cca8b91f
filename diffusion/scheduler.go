// Package diffusion implements the noise schedulers used for sampling and
// the collaborator interfaces around them.
package diffusion

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/tessera-ml/tessera/ml"
)

const defaultTrainSteps = 1000

// Scheduler walks a noisy sample along its denoising trajectory.
type Scheduler interface {
	// SetSteps prepares the inference grid for the given number of steps.
	SetSteps(steps int)

	// Timesteps returns the prepared grid, highest noise first.
	Timesteps() []float64

	// Step applies the model output at grid index i and returns the sample
	// for index i+1. Stochastic schedulers draw from rng.
	Step(ctx ml.Context, output, sample ml.Tensor, i int, rng *rand.Rand) (ml.Tensor, error)

	// FlowMatching reports whether this schedule is a flow-matching
	// trajectory. Those must never be swapped out at validation time.
	FlowMatching() bool
}

// New resolves a scheduler by its configuration name. Learned variance types
// are normalized to fixed-small before construction, so "ddpm" always steps
// with the fixed posterior variance.
func New(name string, trainSteps int) (Scheduler, error) {
	if trainSteps <= 0 {
		trainSteps = defaultTrainSteps
	}

	switch strings.ToLower(name) {
	case "", "flow-match", "flow_match_euler", "flow_matching":
		return NewFlowMatchEuler(trainSteps, 1), nil
	case "euler":
		return newEuler(trainSteps, false), nil
	case "euler-a", "euler_ancestral":
		return newEuler(trainSteps, true), nil
	case "ddim":
		return newDDIM(trainSteps), nil
	case "ddpm":
		return newDDPM(trainSteps), nil
	default:
		return nil, fmt.Errorf("diffusion: unknown scheduler %q", name)
	}
}

// alphasCumprod is the scaled-linear beta schedule shared by the discrete
// schedulers.
func alphasCumprod(trainSteps int) []float64 {
	betaStart, betaEnd := math.Sqrt(0.00085), math.Sqrt(0.012)

	ac := make([]float64, trainSteps)
	cum := 1.0
	for i := range ac {
		beta := betaStart + (betaEnd-betaStart)*float64(i)/float64(trainSteps-1)
		beta *= beta
		cum *= 1 - beta
		ac[i] = cum
	}
	return ac
}

func gaussianLike(ctx ml.Context, rng *rand.Rand, like ml.Tensor) (ml.Tensor, error) {
	shape := like.Shape()
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
