// Package ema maintains exponential-moving-average shadow weights and the
// store/copy-to/restore protocol that swaps them into a live model for
// inference.
package ema

import (
	"fmt"
	"math"

	"github.com/tessera-ml/tessera/ml"
)

// EMA owns one shadow buffer per named parameter. The optimizer never writes
// to the shadows; they advance only through Step.
type EMA struct {
	decay  float64
	step   int
	shadow map[string][]float32
	stored map[string][]float32
}

// New snapshots the current parameter values as the initial shadows.
func New(params map[string]ml.Tensor, decay float64) *EMA {
	e := &EMA{decay: decay, shadow: make(map[string][]float32, len(params))}
	for name, t := range params {
		e.shadow[name] = append([]float32(nil), t.Floats()...)
	}
	return e
}

// Step folds the current parameter values into the shadows. Decay warms up
// over the first optimization steps so early averages are not dominated by
// the random initialization.
func (e *EMA) Step(params map[string]ml.Tensor) {
	e.step++
	decay := math.Min(e.decay, (1+float64(e.step))/(10+float64(e.step)))

	for name, t := range params {
		shadow, ok := e.shadow[name]
		if !ok {
			continue
		}

		vals := t.Floats()
		for i := range shadow {
			shadow[i] = float32(decay*float64(shadow[i]) + (1-decay)*float64(vals[i]))
		}
	}
}

// Store saves the live parameter values so Restore can bring them back after
// an inference pass on the shadows.
func (e *EMA) Store(params map[string]ml.Tensor) {
	e.stored = make(map[string][]float32, len(params))
	for name, t := range params {
		e.stored[name] = append([]float32(nil), t.Floats()...)
	}
}

// CopyTo writes the shadow values into the live parameters.
func (e *EMA) CopyTo(params map[string]ml.Tensor) error {
	for name, t := range params {
		shadow, ok := e.shadow[name]
		if !ok {
			return fmt.Errorf("ema: no shadow for parameter %q", name)
		}
		t.(ml.Parameter).SetFloats(shadow)
	}
	return nil
}

// Restore writes the stored live values back and drops the store. Calling
// Restore without a preceding Store is an error, which catches unpaired
// swap sequences.
func (e *EMA) Restore(params map[string]ml.Tensor) error {
	if e.stored == nil {
		return fmt.Errorf("ema: restore without a prior store")
	}

	for name, t := range params {
		vals, ok := e.stored[name]
		if !ok {
			return fmt.Errorf("ema: no stored value for parameter %q", name)
		}
		t.(ml.Parameter).SetFloats(vals)
	}
	e.stored = nil
	return nil
}

// Swap runs fn with the shadow weights swapped into params and guarantees
// the live weights come back on every exit path. A nil EMA runs fn over the
// live weights unchanged.
func Swap(e *EMA, params map[string]ml.Tensor, fn func() error) (err error) {
	if e == nil {
		return fn()
	}

	e.Store(params)
	if err := e.CopyTo(params); err != nil {
		e.stored = nil
		return err
	}

	defer func() {
		if rerr := e.Restore(params); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}
