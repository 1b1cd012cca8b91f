// Package model hosts the registry of denoiser architectures and utilities
// that operate on their parameter trees.
package model

import (
	"fmt"

	"github.com/tessera-ml/tessera/ml"
)

// Model is a denoiser network bound to a backend.
type Model interface {
	Backend() ml.Backend
}

// Base implements the common fields and methods for all models.
type Base struct {
	b ml.Backend
}

// NewBase binds a model to its backend.
func NewBase(b ml.Backend) Base {
	return Base{b: b}
}

func (m *Base) Backend() ml.Backend {
	return m.b
}

var models = make(map[string]func(ml.Backend, map[string]any) (Model, error))

// Register registers a model constructor for the given architecture. Config
// keys are architecture specific and decoded by the constructor.
func Register(name string, f func(ml.Backend, map[string]any) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: architecture already registered")
	}

	models[name] = f
}

// New creates a model of the given architecture.
func New(name string, b ml.Backend, config map[string]any) (Model, error) {
	f, ok := models[name]
	if !ok {
		return nil, fmt.Errorf("model: unsupported architecture %q", name)
	}

	return f(b, config)
}
