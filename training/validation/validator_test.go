package validation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tessera-ml/tessera/diffusion"
	"github.com/tessera-ml/tessera/ml"
	_ "github.com/tessera-ml/tessera/ml/backend/cpu"
	"github.com/tessera-ml/tessera/model"
	"github.com/tessera-ml/tessera/model/dit"
	"github.com/tessera-ml/tessera/training"
	"github.com/tessera-ml/tessera/training/ema"
)

// fakeCache serves fixed-shape embedding tuples and can be told to fail for
// specific prompts.
type fakeCache struct {
	backend ml.Backend
	fail    map[string]bool
}

func (c *fakeCache) ComputeForPrompts(ctx context.Context, prompts []string) ([][]ml.Tensor, error) {
	out := make([][]ml.Tensor, 0, len(prompts))
	for _, prompt := range prompts {
		if c.fail[prompt] {
			return nil, fmt.Errorf("text encoder unavailable for %q", prompt)
		}

		mctx := c.backend.NewContext()
		const textLen = 3
		embeds, err := mctx.FromFloatSlice(make([]float32, textLen*16), 1, textLen, 16)
		if err != nil {
			return nil, err
		}
		pooled, err := mctx.FromFloatSlice(make([]float32, 8), 1, 8)
		if err != nil {
			return nil, err
		}
		timeIDs, err := mctx.FromFloatSlice(make([]float32, 6), 1, 6)
		if err != nil {
			return nil, err
		}
		mask, err := mctx.FromFloatSlice([]float32{1, 1, 1}, 1, textLen)
		if err != nil {
			return nil, err
		}
		out = append(out, []ml.Tensor{embeds, pooled, timeIDs, mask})
	}
	return out, nil
}

func testValidatorConfig(t *testing.T, prompts ...training.Prompt) training.Config {
	t.Helper()

	cfg := training.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.ValidationPrompts = prompts
	cfg.ValidationResolution = "32"
	cfg.ValidationInferenceSteps = 1
	cfg.DisableUnconditional = true
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestValidator(t *testing.T, cfg training.Config, session *training.Session, fail map[string]bool) *Validator {
	t.Helper()

	b, err := ml.NewBackend("cpu")
	require.NoError(t, err)

	tr, err := dit.New(b, dit.Config{
		InChannels:          4,
		PatchSize:           1,
		NumLayers:           1,
		NumSingleLayers:     1,
		AttentionHeadDim:    8,
		NumAttentionHeads:   2,
		JointAttentionDim:   16,
		PooledProjectionDim: 8,
		GuidanceEmbeds:      true,
		AxesDimsRope:        []int{4, 2, 2},
		RopeTheta:           10000,
	})
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	params := model.NamedParameters(tr)
	deps := Deps{
		Backend: b,
		Model:   tr,
		Decoder: diffusion.PreviewDecoder{},
		Cache:   &fakeCache{backend: b, fail: fail},
		Params:  params,
	}
	if cfg.UseEMA {
		deps.EMA = ema.New(params, cfg.EMADecay)
	}

	v, err := New(cfg, session, deps)
	require.NoError(t, err)
	return v
}

func TestCadence(t *testing.T) {
	cfg := testValidatorConfig(t, training.Prompt{Shortname: "cat", Prompt: "a cat"})
	session := training.NewSession(1)
	v := newTestValidator(t, cfg, session, nil)

	require.True(t, v.ShouldPerformValidation(100, TypeIntermediary))
	require.True(t, v.ShouldPerformValidation(200, TypeIntermediary))
	require.False(t, v.ShouldPerformValidation(150, TypeIntermediary))

	// finals ignore the cadence entirely
	require.True(t, v.ShouldPerformValidation(150, TypeFinal))
	require.True(t, v.ShouldPerformValidation(1, TypeFinal))
}

func TestCadenceBlocksAtResumeStep(t *testing.T) {
	cfg := testValidatorConfig(t, training.Prompt{Shortname: "cat", Prompt: "a cat"})
	session := training.NewSession(100)
	v := newTestValidator(t, cfg, session, nil)

	require.False(t, v.ShouldPerformValidation(100, TypeIntermediary))
	require.True(t, v.ShouldPerformValidation(200, TypeIntermediary))
}

func TestCadenceNeedsAccumulationBoundary(t *testing.T) {
	cfg := testValidatorConfig(t, training.Prompt{Shortname: "cat", Prompt: "a cat"})
	cfg.ValidationSteps = 50
	cfg.GradientAccumulationSteps = 4
	session := training.NewSession(0)
	v := newTestValidator(t, cfg, session, nil)

	// 50 hits the cadence but not the accumulation boundary
	require.False(t, v.ShouldPerformValidation(50, TypeIntermediary))
	require.True(t, v.ShouldPerformValidation(100, TypeIntermediary))
}

func TestCadenceNeedsPrompts(t *testing.T) {
	cfg := testValidatorConfig(t)
	session := training.NewSession(0)
	v := newTestValidator(t, cfg, session, nil)

	require.False(t, v.ShouldPerformValidation(100, TypeIntermediary))
	require.True(t, v.ShouldPerformValidation(100, TypeFinal))
}

func TestRunValidationsWritesArtifacts(t *testing.T) {
	cfg := testValidatorConfig(t,
		training.Prompt{Shortname: "cat", Prompt: "a cat"},
		training.Prompt{Shortname: "dog", Prompt: "a dog"},
	)
	session := training.NewSession(0)
	session.SetGlobalStep(100)
	v := newTestValidator(t, cfg, session, nil)

	require.NoError(t, v.RunValidations(context.Background(), TypeIntermediary, false, false))

	dir := filepath.Join(cfg.OutputDir, "validation_images")
	for _, name := range []string{"step_100_cat_32x32.png", "step_100_dog_32x32.png"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}

	// the pipeline was released after the cycle
	require.Nil(t, v.pipe)
}

func TestPromptFailureIsIsolated(t *testing.T) {
	prompts := []training.Prompt{
		{Shortname: "a", Prompt: "prompt a"},
		{Shortname: "b", Prompt: "prompt b"},
		{Shortname: "c", Prompt: "prompt c"},
		{Shortname: "d", Prompt: "prompt d"},
		{Shortname: "e", Prompt: "prompt e"},
	}
	cfg := testValidatorConfig(t, prompts...)
	session := training.NewSession(0)
	session.SetGlobalStep(100)
	v := newTestValidator(t, cfg, session, map[string]bool{"prompt c": true})

	// one failing prompt never fails the cycle
	require.NoError(t, v.RunValidations(context.Background(), TypeIntermediary, false, false))

	dir := filepath.Join(cfg.OutputDir, "validation_images")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	_, err = os.Stat(filepath.Join(dir, "step_100_c_32x32.png"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSkipExecutionSuppressesDueValidation(t *testing.T) {
	cfg := testValidatorConfig(t, training.Prompt{Shortname: "cat", Prompt: "a cat"})
	session := training.NewSession(0)
	session.SetGlobalStep(100)
	v := newTestValidator(t, cfg, session, nil)

	require.NoError(t, v.RunValidations(context.Background(), TypeFinal, true, true))

	_, err := os.Stat(filepath.Join(cfg.OutputDir, "validation_images"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNonMainProcessDoesNothing(t *testing.T) {
	cfg := testValidatorConfig(t, training.Prompt{Shortname: "cat", Prompt: "a cat"})
	session := training.NewSession(0)
	session.SetGlobalStep(100)
	session.SetMainProcess(false)
	v := newTestValidator(t, cfg, session, nil)

	require.NoError(t, v.RunValidations(context.Background(), TypeFinal, true, false))

	_, err := os.Stat(filepath.Join(cfg.OutputDir, "validation_images"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFlowMatchingKeepsScheduler(t *testing.T) {
	cfg := testValidatorConfig(t, training.Prompt{Shortname: "cat", Prompt: "a cat"})
	cfg.ValidationScheduler = "ddim"
	cfg.KeepPipeline = true
	session := training.NewSession(0)
	session.SetGlobalStep(100)
	v := newTestValidator(t, cfg, session, nil)

	require.NoError(t, v.RunValidations(context.Background(), TypeIntermediary, false, false))

	require.NotNil(t, v.pipe)
	require.True(t, v.pipe.Scheduler().FlowMatching())
}

func TestEMAComparisonProducesBothPasses(t *testing.T) {
	cfg := testValidatorConfig(t, training.Prompt{Shortname: "cat", Prompt: "a cat"})
	cfg.UseEMA = true
	cfg.EMAValidation = "comparison"
	session := training.NewSession(0)
	session.SetGlobalStep(100)
	v := newTestValidator(t, cfg, session, nil)

	require.NoError(t, v.RunValidations(context.Background(), TypeIntermediary, false, false))

	dir := filepath.Join(cfg.OutputDir, "validation_images")
	for _, name := range []string{"step_100_cat_32x32.png", "step_100_cat_ema_32x32.png"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}
}

func TestEMASwapLeavesWeightsUntouched(t *testing.T) {
	cfg := testValidatorConfig(t, training.Prompt{Shortname: "cat", Prompt: "a cat"})
	cfg.UseEMA = true
	cfg.EMAValidation = "ema_only"
	session := training.NewSession(0)
	session.SetGlobalStep(100)
	v := newTestValidator(t, cfg, session, nil)

	before := make(map[string][]float32)
	for name, p := range v.deps.Params {
		before[name] = append([]float32(nil), p.Floats()...)
	}

	require.NoError(t, v.RunValidations(context.Background(), TypeIntermediary, false, false))

	for name, p := range v.deps.Params {
		require.Equal(t, before[name], p.Floats(), name)
	}
}

func TestEnableDisableEMAForInference(t *testing.T) {
	cfg := testValidatorConfig(t, training.Prompt{Shortname: "cat", Prompt: "a cat"})
	cfg.UseEMA = true
	session := training.NewSession(0)
	v := newTestValidator(t, cfg, session, nil)

	var name string
	for n := range v.deps.Params {
		name = n
		break
	}
	before := append([]float32(nil), v.deps.Params[name].Floats()...)

	v.EnableEMAForInference()
	// reentrant enables are ignored rather than clobbering the store
	v.EnableEMAForInference()
	v.DisableEMAForInference()

	require.Equal(t, before, v.deps.Params[name].Floats())

	// a second disable without an enable is a no-op
	v.DisableEMAForInference()
}

func TestUnconditionalPromptIncluded(t *testing.T) {
	cfg := testValidatorConfig(t, training.Prompt{Shortname: "cat", Prompt: "a cat"})
	cfg.DisableUnconditional = false
	session := training.NewSession(0)
	session.SetGlobalStep(100)
	v := newTestValidator(t, cfg, session, nil)

	require.NoError(t, v.RunValidations(context.Background(), TypeIntermediary, false, false))

	dir := filepath.Join(cfg.OutputDir, "validation_images")
	for _, name := range []string{"step_100_unconditional_32x32.png", "step_100_cat_32x32.png"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}
}

func TestRunBenchmarkWritesReferences(t *testing.T) {
	cfg := testValidatorConfig(t, training.Prompt{Shortname: "cat", Prompt: "a cat"})
	session := training.NewSession(0)
	v := newTestValidator(t, cfg, session, nil)

	require.NoError(t, v.RunBenchmark(context.Background()))

	_, err := os.Stat(filepath.Join(cfg.OutputDir, "benchmarks", "base_model", "cat_32x32.png"))
	require.NoError(t, err)
}
