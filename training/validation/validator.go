// Package validation runs inference-time evaluation during training: it
// decides when validation is due, assembles a generation pipeline from the
// partially trained shards, generates per-prompt images, scores them and
// reports artifacts, without disturbing the training state.
package validation

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/tessera-ml/tessera/diffusion"
	"github.com/tessera-ml/tessera/diffusion/pipeline"
	"github.com/tessera-ml/tessera/embeddings"
	"github.com/tessera-ml/tessera/evaluation"
	"github.com/tessera-ml/tessera/imageproc"
	"github.com/tessera-ml/tessera/ml"
	"github.com/tessera-ml/tessera/model/dit"
	"github.com/tessera-ml/tessera/tracker"
	"github.com/tessera-ml/tessera/training"
	"github.com/tessera-ml/tessera/training/ema"
)

const (
	// TypeIntermediary is a cadence-driven validation mid-training.
	TypeIntermediary = "intermediary"
	// TypeFinal is the end-of-training validation; it ignores the cadence.
	TypeFinal = "final"

	pipelineRetries = 3
)

// Deps bundles the collaborators a Validator drives. Model and Denoiser are
// alternatives, chosen by family.
type Deps struct {
	Backend   ml.Backend
	Model     *dit.Transformer
	Denoiser  pipeline.Denoiser
	Decoder   diffusion.Decoder
	Encoder   diffusion.Encoder
	Cache     embeddings.Cache
	Evaluator evaluation.Evaluator
	Trackers  tracker.Tracker
	EMA       *ema.EMA
	Params    map[string]ml.Tensor
}

// Validator is the validation orchestrator.
type Validator struct {
	cfg     training.Config
	session *training.Session
	family  pipeline.Family
	desc    pipeline.Descriptor
	deps    Deps

	resolutions []Resolution
	pipe        pipeline.Pipeline
	emaActive   bool
}

func New(cfg training.Config, session *training.Session, deps Deps) (*Validator, error) {
	family := pipeline.Family(cfg.ModelFamily)
	desc, err := pipeline.Lookup(family)
	if err != nil {
		return nil, err
	}

	resolutions, err := ParseResolutions(cfg.ValidationResolution, desc)
	if err != nil {
		return nil, err
	}

	return &Validator{
		cfg:         cfg,
		session:     session,
		family:      family,
		desc:        desc,
		deps:        deps,
		resolutions: resolutions,
	}, nil
}

// ShouldPerformValidation is the cadence guard: a final validation always
// runs; an intermediary one needs prompts, the validation-steps cadence, a
// gradient-accumulation boundary, and a step past the resume point.
func (v *Validator) ShouldPerformValidation(step int, validationType string) bool {
	if validationType == TypeFinal {
		return true
	}

	if len(v.cfg.ValidationPrompts) == 0 || v.cfg.ValidationSteps <= 0 {
		return false
	}

	return step%v.cfg.ValidationSteps == 0 &&
		step%v.cfg.GradientAccumulationSteps == 0 &&
		step > v.session.ResumeStep()
}

// WouldValidate reports whether an intermediary validation is due at the
// session's current step.
func (v *Validator) WouldValidate() bool {
	return v.ShouldPerformValidation(v.session.GlobalStep(), TypeIntermediary)
}

// RunValidations drives one validation cycle. Errors inside the cycle are
// degraded to logs; training never aborts because validation failed.
// skipExecution suppresses a due validation, which the trainer uses to avoid
// double-validating at the end of training.
func (v *Validator) RunValidations(ctx context.Context, validationType string, force, skipExecution bool) error {
	step := v.session.GlobalStep()
	if skipExecution {
		slog.Debug("validation explicitly skipped", "step", step, "type", validationType)
		return nil
	}
	if !force && !v.ShouldPerformValidation(step, validationType) {
		return nil
	}
	if !v.session.MainProcess() {
		return nil
	}

	if err := v.setupPipeline(validationType); err != nil {
		slog.Error("validation pipeline could not be built, skipping this cycle", "step", step, "error", err)
		return nil
	}
	v.setupScheduler()

	v.processPrompts(ctx, validationType)
	v.finalizeValidation()
	return nil
}

// setupPipeline assembles the family pipeline, retrying transient failures
// a fixed number of times before giving up for this cycle.
func (v *Validator) setupPipeline(validationType string) error {
	if v.pipe != nil {
		return nil
	}

	components := pipeline.Components{
		Backend:     v.deps.Backend,
		Transformer: v.deps.Model,
		Denoiser:    v.deps.Denoiser,
		Decoder:     v.deps.Decoder,
		Encoder:     v.deps.Encoder,

		TrainTimesteps: v.cfg.NumTrainTimesteps,
	}

	var err error
	for attempt := 1; attempt <= pipelineRetries; attempt++ {
		var p pipeline.Pipeline
		if p, err = pipeline.New(v.family, components); err == nil {
			v.pipe = p

			if validationType == TypeFinal {
				slog.Info("assembled final validation pipeline", "family", v.family)
			}
			return nil
		}
		slog.Error("building validation pipeline", "attempt", attempt, "error", err)
	}
	return err
}

// setupScheduler swaps in the configured validation scheduler. Flow-matching
// families keep their training schedule untouched; replacing it would skew
// the sampling trajectory.
func (v *Validator) setupScheduler() {
	if v.desc.FlowMatching {
		return
	}

	sched, err := diffusion.New(v.cfg.ValidationScheduler, v.cfg.NumTrainTimesteps)
	if err != nil {
		slog.Error("resolving validation scheduler, keeping current", "error", err)
		return
	}
	v.pipe.SetScheduler(sched)
}

// processPrompts generates every (prompt, resolution) combination, isolating
// failures so one bad prompt never blocks the rest.
func (v *Validator) processPrompts(ctx context.Context, validationType string) {
	step := v.session.GlobalStep()
	agg := evaluation.NewAggregator()

	var artifacts []tracker.Image
	for _, prompt := range v.cfg.PreparedPrompts() {
		for _, res := range v.resolutions {
			for _, pass := range v.passes() {
				imgs, err := v.validatePrompt(ctx, prompt, res, pass, agg)
				if err != nil {
					slog.Error("validation prompt failed, skipping",
						"shortname", prompt.Shortname, "resolution", res.String(), "ema", pass, "error", err)
					continue
				}
				artifacts = append(artifacts, imgs...)
			}
		}
	}

	if err := v.saveImages(artifacts); err != nil {
		slog.Error("saving validation images", "error", err)
	}
	v.report(step, validationType, artifacts, agg)
}

// passes lists the generation passes per prompt: live weights, EMA shadows,
// or both for side-by-side comparison.
func (v *Validator) passes() []bool {
	if !v.cfg.UseEMA || v.deps.EMA == nil {
		return []bool{false}
	}

	switch v.cfg.EMAValidation {
	case "ema_only":
		return []bool{true}
	case "comparison":
		return []bool{false, true}
	default:
		return []bool{false}
	}
}

func (v *Validator) validatePrompt(ctx context.Context, prompt training.Prompt, res Resolution, useEMA bool, agg *evaluation.Aggregator) ([]tracker.Image, error) {
	embeds, err := v.gatherPromptEmbeds(ctx, prompt.Prompt)
	if err != nil {
		return nil, err
	}

	req := pipeline.Request{
		Prompt:   prompt.Prompt,
		Embeds:   embeds,
		Width:    res.Width,
		Height:   res.Height,
		Steps:    v.cfg.ValidationInferenceSteps,
		Guidance: v.cfg.ValidationGuidance,
		Seed:     v.seed(),
	}
	if v.desc.SkipLayerGuidance && len(v.cfg.SkipLayers) > 0 {
		req.SkipLayers = v.cfg.SkipLayers
		req.SkipScale = v.cfg.SkipLayerScale
	}

	var conditioning bool
	if prompt.Image != "" {
		img, err := imageproc.LoadImage(prompt.Image)
		if err != nil {
			return nil, fmt.Errorf("loading conditioning image: %w", err)
		}
		req.Image = img
		req.Strength = v.cfg.ValidationImageStrength
		conditioning = true
	}

	var out []tracker.Image
	err = ema.Swap(v.swapEMA(useEMA), v.deps.Params, func() error {
		img, err := v.pipe.Generate(ctx, req)
		if err != nil {
			return err
		}

		shortname := prompt.Shortname
		if useEMA {
			shortname += "_ema"
		}

		final := img
		switch {
		case conditioning:
			final = imageproc.Stitch(req.Image, img, "input", "output")
		default:
			if bench := v.benchmarkImage(prompt.Shortname, res); bench != nil {
				final = imageproc.Stitch(img, bench, "checkpoint", "base model")
			}
		}

		if v.deps.Evaluator != nil {
			score, err := v.deps.Evaluator.Evaluate(img, prompt.Prompt)
			if err != nil {
				slog.Error("scoring validation image", "shortname", shortname, "error", err)
			} else {
				agg.Add(shortname, score)
			}
		}
		agg.Add(shortname+"/luminance", imageproc.Luminance(img))

		name := fmt.Sprintf("step_%d_%s_%s.png", v.session.GlobalStep(), shortname, res)
		out = append(out, tracker.Image{
			Shortname: shortname,
			Name:      name,
			Path:      filepath.Join(v.cfg.OutputDir, "validation_images", name),
			Image:     final,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (v *Validator) swapEMA(useEMA bool) *ema.EMA {
	if useEMA {
		return v.deps.EMA
	}
	return nil
}

func (v *Validator) seed() int64 {
	if v.cfg.ValidationSeed != 0 {
		return v.cfg.ValidationSeed
	}
	return v.cfg.Seed
}

// gatherPromptEmbeds resolves cached embeddings and maps the family-specific
// tuple layout onto the request fields.
func (v *Validator) gatherPromptEmbeds(ctx context.Context, prompt string) (pipeline.Embeddings, error) {
	tuples, err := v.deps.Cache.ComputeForPrompts(ctx, []string{prompt})
	if err != nil {
		return pipeline.Embeddings{}, err
	}

	tuple := tuples[0]
	if len(tuple) != v.desc.EmbedArity {
		return pipeline.Embeddings{}, fmt.Errorf("validation: embedding cache returned %d tensors, family %q expects %d",
			len(tuple), v.family, v.desc.EmbedArity)
	}

	embeds := pipeline.Embeddings{Embeds: tuple[0]}
	switch len(tuple) {
	case 2:
		embeds.Pooled = tuple[1]
	case 3:
		embeds.Pooled, embeds.TimeIDs = tuple[1], tuple[2]
	case 4:
		embeds.Pooled, embeds.TimeIDs, embeds.Mask = tuple[1], tuple[2], tuple[3]
	default:
		return pipeline.Embeddings{}, fmt.Errorf("validation: unsupported embedding arity %d", len(tuple))
	}
	return embeds, nil
}

// benchmarkPath is where a base-model benchmark run left its reference
// image for a shortname.
func (v *Validator) benchmarkPath(shortname string, res Resolution) string {
	return filepath.Join(v.cfg.OutputDir, "benchmarks", "base_model", fmt.Sprintf("%s_%s.png", shortname, res))
}

// benchmarkImage loads the base-model reference for a shortname, if one was
// produced by a prior benchmark run.
func (v *Validator) benchmarkImage(shortname string, res Resolution) image.Image {
	if v.cfg.DisableBenchmark {
		return nil
	}

	path := v.benchmarkPath(shortname, res)
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	img, err := imageproc.LoadImage(path)
	if err != nil {
		slog.Error("loading benchmark image", "path", path, "error", err)
		return nil
	}
	return img
}

// RunBenchmark generates the base-model reference images later validations
// stitch against. It is called once before any training step.
func (v *Validator) RunBenchmark(ctx context.Context) error {
	if v.cfg.DisableBenchmark || !v.session.MainProcess() {
		return nil
	}

	if err := v.setupPipeline(TypeIntermediary); err != nil {
		return err
	}
	v.setupScheduler()
	defer v.finalizeValidation()

	for _, prompt := range v.cfg.PreparedPrompts() {
		for _, res := range v.resolutions {
			embeds, err := v.gatherPromptEmbeds(ctx, prompt.Prompt)
			if err != nil {
				slog.Error("benchmark embeddings", "shortname", prompt.Shortname, "error", err)
				continue
			}

			img, err := v.pipe.Generate(ctx, pipeline.Request{
				Prompt:   prompt.Prompt,
				Embeds:   embeds,
				Width:    res.Width,
				Height:   res.Height,
				Steps:    v.cfg.ValidationInferenceSteps,
				Guidance: v.cfg.ValidationGuidance,
				Seed:     v.seed(),
			})
			if err != nil {
				slog.Error("benchmark generation failed", "shortname", prompt.Shortname, "error", err)
				continue
			}

			if err := imageproc.SavePNG(v.benchmarkPath(prompt.Shortname, res), img); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Validator) saveImages(artifacts []tracker.Image) error {
	var g errgroup.Group
	for _, art := range artifacts {
		art := art
		g.Go(func() error {
			return imageproc.SavePNG(art.Path, art.Image)
		})
	}
	return g.Wait()
}

func (v *Validator) report(step int, validationType string, artifacts []tracker.Image, agg *evaluation.Aggregator) {
	if v.deps.Trackers == nil {
		return
	}

	if err := v.deps.Trackers.LogImages(step, artifacts); err != nil {
		slog.Error("reporting validation images", "error", err)
	}

	scalars := make(map[string]float64)
	for _, name := range agg.Shortnames() {
		if s, ok := agg.Summary(name); ok {
			scalars["validation/"+name+"/mean"] = s.Mean
			scalars["validation/"+name+"/min"] = s.Min
			scalars["validation/"+name+"/max"] = s.Max
			scalars["validation/"+name+"/std"] = s.Std
		}
	}
	if err := v.deps.Trackers.LogScalars(step, scalars); err != nil {
		slog.Error("reporting validation scalars", "error", err)
	}

	slog.Info("validation cycle complete", "step", step, "type", validationType, "images", len(artifacts))
}

// finalizeValidation releases the pipeline and decoder memory unless the
// configuration keeps them resident between cycles.
func (v *Validator) finalizeValidation() {
	if v.cfg.KeepPipeline || v.pipe == nil {
		return
	}

	v.pipe.Release()
	v.pipe = nil
}

// EnableEMAForInference swaps the EMA shadows into the live parameters. It
// must be paired with DisableEMAForInference; the guard catches reentrant
// enables, which would clobber the stored live weights.
func (v *Validator) EnableEMAForInference() {
	if v.deps.EMA == nil || !v.cfg.UseEMA {
		return
	}
	if v.emaActive {
		slog.Warn("EMA already enabled for inference; ignoring reentrant enable")
		return
	}

	v.deps.EMA.Store(v.deps.Params)
	if err := v.deps.EMA.CopyTo(v.deps.Params); err != nil {
		slog.Error("swapping in EMA weights", "error", err)
		return
	}
	v.emaActive = true
}

// DisableEMAForInference restores the live parameters stored by
// EnableEMAForInference.
func (v *Validator) DisableEMAForInference() {
	if v.deps.EMA == nil || !v.cfg.UseEMA {
		return
	}
	if !v.emaActive {
		slog.Warn("EMA not enabled for inference; ignoring disable")
		return
	}

	if err := v.deps.EMA.Restore(v.deps.Params); err != nil {
		slog.Error("restoring live weights after EMA inference", "error", err)
	}
	v.emaActive = false
}
