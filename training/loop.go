package training

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessera-ml/tessera/format"
	"github.com/tessera-ml/tessera/ml"
	"github.com/tessera-ml/tessera/training/ema"
)

// StepFunc performs one training step (forward, loss, optimizer) and
// returns the loss. It is an external collaborator.
type StepFunc func(ctx context.Context, step int) (float64, error)

// Validator is the validation orchestrator as the loop sees it.
type Validator interface {
	RunValidations(ctx context.Context, validationType string, force, skipExecution bool) error
	WouldValidate() bool
}

// Loop drives training steps, folds EMA shadows on optimizer boundaries and
// triggers validation on its cadence.
type Loop struct {
	Config    Config
	Session   *Session
	EMA       *ema.EMA
	Params    map[string]ml.Tensor
	Validator Validator

	// OnStep, when set, observes each completed step; the CLI hangs
	// progress rendering off it.
	OnStep func(step int, loss float64)
}

// Run executes steps up to Config.TrainSteps, then the final validation. A
// final validation is skipped when an intermediary one already ran on the
// last step.
func (l *Loop) Run(ctx context.Context, stepFn StepFunc) error {
	start := l.Session.GlobalStep()
	began := time.Now()

	var validatedAt int
	for step := start + 1; step <= l.Config.TrainSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		loss, err := stepFn(ctx, step)
		if err != nil {
			return err
		}
		l.Session.SetGlobalStep(step)

		if l.EMA != nil && step%l.Config.GradientAccumulationSteps == 0 {
			l.EMA.Step(l.Params)
		}

		if l.Validator != nil && l.Validator.WouldValidate() {
			if err := l.Validator.RunValidations(ctx, "intermediary", false, false); err != nil {
				return err
			}
			validatedAt = step
		}

		if l.OnStep != nil {
			l.OnStep(step, loss)
		}
	}

	slog.Info("training finished",
		"steps", l.Config.TrainSteps-start,
		"elapsed", format.Duration(time.Since(began)))

	if l.Validator != nil {
		skip := validatedAt == l.Config.TrainSteps
		return l.Validator.RunValidations(ctx, "final", true, skip)
	}
	return nil
}
