// Package cmd implements the tessera command line: training harness,
// validation, benchmarking and one-off generation.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tessera-ml/tessera/diffusion"
	"github.com/tessera-ml/tessera/diffusion/pipeline"
	"github.com/tessera-ml/tessera/embeddings"
	"github.com/tessera-ml/tessera/envconfig"
	"github.com/tessera-ml/tessera/imageproc"
	"github.com/tessera-ml/tessera/logutil"
	"github.com/tessera-ml/tessera/ml"
	_ "github.com/tessera-ml/tessera/ml/backend/cpu"
	"github.com/tessera-ml/tessera/model"
	"github.com/tessera-ml/tessera/model/dit"
	"github.com/tessera-ml/tessera/progress"
	"github.com/tessera-ml/tessera/tracker"
	"github.com/tessera-ml/tessera/training"
	"github.com/tessera-ml/tessera/training/ema"
	"github.com/tessera-ml/tessera/training/validation"
	"github.com/tessera-ml/tessera/version"
)

func NewCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "tessera",
		Short:         "Diffusion transformer training and validation",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	root.AddCommand(
		trainCmd(),
		validateCmd(),
		benchmarkCmd(),
		generateCmd(),
		envCmd(),
	)
	return root
}

// runtime is everything a command needs, assembled from one config file.
type runtime struct {
	cfg       training.Config
	session   *training.Session
	backend   ml.Backend
	model     *dit.Transformer
	params    map[string]ml.Tensor
	avg       *ema.EMA
	cache     *embeddings.DiskCache
	validator *validation.Validator
}

func newRuntime(cfgPath string) (*runtime, error) {
	cfg, err := training.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	family := pipeline.Family(cfg.ModelFamily)
	if family != pipeline.FamilyFlux {
		return nil, fmt.Errorf("family %q needs an external denoiser; only %q runs standalone", family, pipeline.FamilyFlux)
	}
	desc, err := pipeline.Lookup(family)
	if err != nil {
		return nil, err
	}

	backend, err := ml.NewBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	m, err := model.New(cfg.ModelFamily, backend, cfg.Model)
	if err != nil {
		return nil, err
	}
	transformer := m.(*dit.Transformer)
	transformer.SetGradientCheckpointing(cfg.GradientCheckpointing, cfg.GradientCheckpointingInterval)

	params := model.NamedParameters(m)

	var avg *ema.EMA
	if cfg.UseEMA {
		avg = ema.New(params, cfg.EMADecay)
	}

	mcfg := transformer.Config()
	cache, err := embeddings.NewDiskCache(envconfig.CacheDir(), backend, &embeddings.SeededComputer{
		Backend:   backend,
		Arity:     desc.EmbedArity,
		TextLen:   77,
		EmbedDim:  mcfg.JointAttentionDim,
		PooledDim: mcfg.PooledProjectionDim,
	})
	if err != nil {
		return nil, err
	}

	session := training.NewSession(0)
	validator, err := validation.New(cfg, session, validation.Deps{
		Backend:  backend,
		Model:    transformer,
		Decoder:  diffusion.PreviewDecoder{},
		Cache:    cache,
		Trackers: tracker.Multi{tracker.NewConsole(os.Stdout)},
		EMA:      avg,
		Params:   params,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:       cfg,
		session:   session,
		backend:   backend,
		model:     transformer,
		params:    params,
		avg:       avg,
		cache:     cache,
		validator: validator,
	}, nil
}

func trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the training loop against a synthetic batch source (dataset and optimizer are external collaborators)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cfgPath(cmd))
			if err != nil {
				return err
			}
			defer rt.model.Close()
			rt.model.SetTraining(true)

			p := progress.NewProgress(os.Stderr)
			defer p.Stop()
			bar := progress.NewBar("training", int64(rt.cfg.TrainSteps), 0)
			p.Add(bar)

			loop := &training.Loop{
				Config:    rt.cfg,
				Session:   rt.session,
				EMA:       rt.avg,
				Params:    rt.params,
				Validator: rt.validator,
				OnStep: func(step int, loss float64) {
					bar.Set(int64(step))
					if step%10 == 0 {
						slog.Debug("step complete", "step", step, "loss", loss)
					}
				},
			}
			return loop.Run(cmd.Context(), rt.syntheticStep())
		},
	}
	cmd.Flags().String("config", "config.json", "Path to the run configuration")
	return cmd
}

// syntheticStep forwards a random flow-matching batch through the model and
// reports the velocity-matching loss. It exercises the full training-side
// surface without a dataset.
func (rt *runtime) syntheticStep() training.StepFunc {
	rng := rand.New(rand.NewSource(rt.cfg.Seed))
	mcfg := rt.model.Config()

	const textLen, grid = 8, 8

	return func(ctx context.Context, step int) (float64, error) {
		mctx := rt.backend.NewContext()
		defer mctx.Close()

		tokens := grid * grid
		data, err := randomTensor(mctx, rng, 1, tokens, mcfg.InChannels)
		if err != nil {
			return 0, err
		}
		noise, err := randomTensor(mctx, rng, 1, tokens, mcfg.InChannels)
		if err != nil {
			return 0, err
		}

		sigma := rng.Float64()
		noisy := data.Scale(mctx, 1-sigma).Add(mctx, noise.Scale(mctx, sigma))

		text, err := randomTensor(mctx, rng, 1, textLen, mcfg.JointAttentionDim)
		if err != nil {
			return 0, err
		}
		pooled, err := randomTensor(mctx, rng, 1, mcfg.PooledProjectionDim)
		if err != nil {
			return 0, err
		}
		timestep, err := mctx.FromFloatSlice([]float32{float32(sigma)}, 1)
		if err != nil {
			return 0, err
		}

		var guidance ml.Tensor
		if mcfg.GuidanceEmbeds {
			if guidance, err = mctx.FromFloatSlice([]float32{1}, 1); err != nil {
				return 0, err
			}
		}

		textIDs, err := mctx.FromIntSlice(make([]int32, textLen*3), textLen, 3)
		if err != nil {
			return 0, err
		}
		imageIDs, err := gridIDs(mctx, grid, grid)
		if err != nil {
			return 0, err
		}

		pred, err := rt.model.Forward(mctx, dit.Input{
			Image:    noisy,
			Text:     text,
			Pooled:   pooled,
			Timestep: timestep,
			Guidance: guidance,
			TextIDs:  textIDs,
			ImageIDs: imageIDs,
		})
		if err != nil {
			return 0, err
		}

		// flow-matching target is the velocity noise - data
		target := noise.Add(mctx, data.Neg(mctx))
		pv, tv := pred.Floats(), target.Floats()
		var loss float64
		for i := range pv {
			d := float64(pv[i] - tv[i])
			loss += d * d
		}
		return loss / float64(len(pv)), nil
	}
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run one validation cycle immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cfgPath(cmd))
			if err != nil {
				return err
			}
			defer rt.model.Close()

			return rt.validator.RunValidations(cmd.Context(), validation.TypeIntermediary, true, false)
		},
	}
	cmd.Flags().String("config", "config.json", "Path to the run configuration")
	return cmd
}

func benchmarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Generate base-model reference images for later comparison",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cfgPath(cmd))
			if err != nil {
				return err
			}
			defer rt.model.Close()

			return rt.validator.RunBenchmark(cmd.Context())
		},
	}
	cmd.Flags().String("config", "config.json", "Path to the run configuration")
	return cmd
}

func generateCmd() *cobra.Command {
	var (
		prompt     string
		resolution string
		steps      int
		out        string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a single image from the current weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cfgPath(cmd))
			if err != nil {
				return err
			}
			defer rt.model.Close()

			desc, err := pipeline.Lookup(pipeline.Family(rt.cfg.ModelFamily))
			if err != nil {
				return err
			}
			resolutions, err := validation.ParseResolutions(resolution, desc)
			if err != nil {
				return err
			}
			res := resolutions[0]

			tuples, err := rt.cache.ComputeForPrompts(cmd.Context(), []string{prompt})
			if err != nil {
				return err
			}
			embeds := pipeline.Embeddings{Embeds: tuples[0][0], Pooled: tuples[0][1]}
			if len(tuples[0]) == 4 {
				embeds.TimeIDs, embeds.Mask = tuples[0][2], tuples[0][3]
			}

			p, err := pipeline.New(pipeline.Family(rt.cfg.ModelFamily), pipeline.Components{
				Backend:     rt.backend,
				Transformer: rt.model,
				Decoder:     diffusion.PreviewDecoder{},

				TrainTimesteps: rt.cfg.NumTrainTimesteps,
			})
			if err != nil {
				return err
			}
			defer p.Release()

			pr := progress.NewProgress(os.Stderr)
			pr.Add(progress.NewSpinner(fmt.Sprintf("generating %dx%d", res.Width, res.Height)))

			img, err := p.Generate(cmd.Context(), pipeline.Request{
				Prompt:   prompt,
				Embeds:   embeds,
				Width:    res.Width,
				Height:   res.Height,
				Steps:    steps,
				Guidance: rt.cfg.ValidationGuidance,
				Seed:     rt.cfg.Seed,
			})
			pr.StopAndClear()
			if err != nil {
				return err
			}

			if err := imageproc.SavePNG(out, img); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, out)
			return nil
		},
	}
	cmd.Flags().String("config", "config.json", "Path to the run configuration")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt text")
	cmd.Flags().StringVar(&resolution, "resolution", "512", "Output resolution, e.g. 512 or 768x512")
	cmd.Flags().IntVar(&steps, "steps", 20, "Denoising steps")
	cmd.Flags().StringVar(&out, "output", "out.png", "Output file")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show environment variable configuration",
		Run: func(cmd *cobra.Command, args []string) {
			vars := envconfig.AsMap()
			keys := make([]string, 0, len(vars))
			for k := range vars {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Variable", "Value", "Description"})
			for _, k := range keys {
				v := vars[k]
				table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
			}
			table.Render()
		},
	}
}

func cfgPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

func randomTensor(ctx ml.Context, rng *rand.Rand, shape ...int) (ml.Tensor, error) {
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

func gridIDs(ctx ml.Context, rows, cols int) (ml.Tensor, error) {
	ids := make([]int32, 0, rows*cols*3)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			ids = append(ids, 0, int32(r), int32(c))
		}
	}
	return ctx.FromIntSlice(ids, rows*cols, 3)
}
