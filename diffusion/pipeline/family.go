// Package pipeline assembles generation pipelines for the supported model
// families and runs the denoising loop.
package pipeline

import (
	"fmt"
)

// Family identifies a supported model architecture lineage.
type Family string

const (
	FamilyFlux            Family = "flux"
	FamilySD3             Family = "sd3"
	FamilySDXL            Family = "sdxl"
	FamilyPixArt          Family = "pixart_sigma"
	FamilyLegacy          Family = "legacy"
	FamilyDeepFloydStage2 Family = "deepfloyd-stage2"
)

// Descriptor centralizes the per-family behavior contract: how embeddings
// are laid out, whether the training schedule is flow-matching, and the
// resolution constraints generation must respect.
type Descriptor struct {
	// FlowMatching families keep their training scheduler at validation
	// time; everything else gets the configured validation scheduler.
	FlowMatching bool

	// EmbedArity is the number of tensors the embedding cache returns per
	// prompt: 2 = embeds+pooled, 3 = +time ids, 4 = +attention mask.
	EmbedArity int

	// MinEdge is the smallest allowed edge length; 0 means unconstrained.
	MinEdge int

	// Multiple is the rounding granularity for requested resolutions.
	Multiple int

	// SkipLayerGuidance marks families that accept layer-skip guidance
	// parameters during generation.
	SkipLayerGuidance bool

	// GuidanceEmbeds marks families whose transformer consumes the guidance
	// scale as a conditioning input instead of classifier-free guidance.
	GuidanceEmbeds bool
}

var families = map[Family]Descriptor{
	FamilyFlux:            {FlowMatching: true, EmbedArity: 4, Multiple: 16, GuidanceEmbeds: true},
	FamilySD3:             {FlowMatching: true, EmbedArity: 2, Multiple: 16, SkipLayerGuidance: true},
	FamilySDXL:            {EmbedArity: 3, Multiple: 8},
	FamilyPixArt:          {EmbedArity: 2, Multiple: 8},
	FamilyLegacy:          {EmbedArity: 2, Multiple: 8},
	FamilyDeepFloydStage2: {EmbedArity: 2, MinEdge: 256, Multiple: 8},
}

// Lookup resolves the behavior descriptor for a family. Unknown families are
// a configuration error.
func Lookup(f Family) (Descriptor, error) {
	d, ok := families[f]
	if !ok {
		return Descriptor{}, fmt.Errorf("pipeline: unknown model family %q", f)
	}
	return d, nil
}

// Families lists the supported family names.
func Families() []Family {
	out := make([]Family, 0, len(families))
	for f := range families {
		out = append(out, f)
	}
	return out
}
