// Package tracker reports validation artifacts and metrics. Remote trackers
// are external collaborators behind the Tracker interface; the console
// tracker ships here for local runs and tests.
package tracker

import (
	"image"
)

// Image is one generated validation image with its artifact identity.
type Image struct {
	Shortname string
	Name      string
	Path      string
	Image     image.Image
}

// Tracker accepts named images or tabular rows keyed by step index.
type Tracker interface {
	LogImages(step int, images []Image) error
	LogScalars(step int, scalars map[string]float64) error
}

// Multi fans out to several trackers; the first error wins but every
// tracker still gets the call.
type Multi []Tracker

func (m Multi) LogImages(step int, images []Image) error {
	var first error
	for _, t := range m {
		if err := t.LogImages(step, images); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) LogScalars(step int, scalars map[string]float64) error {
	var first error
	for _, t := range m {
		if err := t.LogScalars(step, scalars); err != nil && first == nil {
			first = err
		}
	}
	return first
}
