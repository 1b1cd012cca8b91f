// Package evaluation scores generated images and aggregates per-shortname
// statistics across a validation cycle.
package evaluation

import (
	"image"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Evaluator scores one (image, prompt) pair. The model behind it is an
// external collaborator.
type Evaluator interface {
	Evaluate(img image.Image, prompt string) (float64, error)
}

// Summary is the running statistic set for one shortname.
type Summary struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
	Std   float64
}

// Aggregator collects scores keyed by shortname.
type Aggregator struct {
	scores map[string][]float64
}

func NewAggregator() *Aggregator {
	return &Aggregator{scores: make(map[string][]float64)}
}

func (a *Aggregator) Add(shortname string, score float64) {
	a.scores[shortname] = append(a.scores[shortname], score)
}

func (a *Aggregator) Summary(shortname string) (Summary, bool) {
	s, ok := a.scores[shortname]
	if !ok || len(s) == 0 {
		return Summary{}, false
	}

	return Summary{
		Count: len(s),
		Min:   floats.Min(s),
		Max:   floats.Max(s),
		Mean:  stat.Mean(s, nil),
		Std:   stat.StdDev(s, nil),
	}, true
}

// Report returns every shortname's summary in stable order.
func (a *Aggregator) Report() map[string]Summary {
	out := make(map[string]Summary, len(a.scores))
	for name := range a.scores {
		if s, ok := a.Summary(name); ok {
			out[name] = s
		}
	}
	return out
}

// Shortnames lists the scored shortnames sorted for deterministic output.
func (a *Aggregator) Shortnames() []string {
	names := make([]string, 0, len(a.scores))
	for name := range a.scores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
