package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/tessera-ml/tessera/diffusion"
	"github.com/tessera-ml/tessera/ml"
	"github.com/tessera-ml/tessera/model/dit"
)

// Embeddings is the cached text conditioning for one prompt. Which fields
// are populated depends on the family's embedding arity.
type Embeddings struct {
	Embeds  ml.Tensor // [batch, text_len, joint_attention_dim]
	Pooled  ml.Tensor // [batch, pooled_dim]
	TimeIDs ml.Tensor // [batch, 6], additive-conditioning families only
	Mask    ml.Tensor // [batch, text_len] keep-mask
}

// Request describes one generation call.
type Request struct {
	Prompt     string
	Embeds     Embeddings
	Width      int
	Height     int
	Steps      int
	Guidance   float64
	Seed       int64
	Image      image.Image // optional conditioning image
	Strength   float64     // how far along the trajectory conditioning starts
	SkipLayers []int       // layer-skip guidance, applicable families only
	SkipScale  float64
}

// Pipeline generates images from partially trained model shards.
type Pipeline interface {
	Generate(ctx context.Context, req Request) (image.Image, error)

	Scheduler() diffusion.Scheduler
	SetScheduler(s diffusion.Scheduler)

	// Release drops the decoder and any cached device memory. The pipeline
	// must not be used afterwards.
	Release()
}

// Denoiser is the model collaborator for families whose denoiser is not the
// in-repo transformer (UNets, stage-2 refiners).
type Denoiser interface {
	Denoise(ctx ml.Context, latents ml.Tensor, timestep float64, emb Embeddings, guidance float64) (ml.Tensor, error)
}

// Components is the subset of model shards a family's pipeline is assembled
// from. Transformer and Denoiser are mutually exclusive.
type Components struct {
	Backend     ml.Backend
	Transformer *dit.Transformer
	Denoiser    Denoiser
	Decoder     diffusion.Decoder
	Encoder     diffusion.Encoder
	Scheduler   diffusion.Scheduler

	// TrainTimesteps is the scheduler's training timestep range; zero means
	// the conventional 1000. An explicitly supplied Scheduler must have been
	// built over the same range.
	TrainTimesteps int
}

// New assembles the pipeline for a model family.
func New(family Family, c Components) (Pipeline, error) {
	desc, err := Lookup(family)
	if err != nil {
		return nil, err
	}

	switch family {
	case FamilyFlux:
		if c.Transformer == nil {
			return nil, fmt.Errorf("pipeline: family %q requires a transformer", family)
		}
		return newFlux(c, desc)
	default:
		if c.Denoiser == nil {
			return nil, fmt.Errorf("pipeline: family %q requires a denoiser", family)
		}
		return newGeneric(family, c, desc)
	}
}
