package training

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"

	"github.com/tessera-ml/tessera/diffusion/pipeline"
	"github.com/tessera-ml/tessera/envconfig"
)

// Prompt is one validation prompt entry, created once per run from the
// configured prompt library and immutable afterwards.
type Prompt struct {
	Shortname string `mapstructure:"shortname" json:"shortname"`
	Prompt    string `mapstructure:"prompt" json:"prompt"`
	Image     string `mapstructure:"image" json:"image,omitempty"`
}

// Config is the run configuration. It is decoded from a JSON file, then
// overridden by TESSERA_* environment variables where those are set.
type Config struct {
	ModelFamily string `mapstructure:"model_family"`
	Backend     string `mapstructure:"backend"`
	OutputDir   string `mapstructure:"output_dir"`
	Seed        int64  `mapstructure:"seed"`

	TrainSteps                int `mapstructure:"train_steps"`
	GradientAccumulationSteps int `mapstructure:"gradient_accumulation_steps"`

	// NumTrainTimesteps is the scheduler's training timestep range, a
	// property of the pretrained model rather than of this run's step
	// budget.
	NumTrainTimesteps int `mapstructure:"num_train_timesteps"`

	GradientCheckpointing         bool `mapstructure:"gradient_checkpointing"`
	GradientCheckpointingInterval int  `mapstructure:"gradient_checkpointing_interval"`

	UseEMA        bool    `mapstructure:"use_ema"`
	EMADecay      float64 `mapstructure:"ema_decay"`
	EMAValidation string  `mapstructure:"ema_validation"` // none, ema_only, comparison

	ValidationSteps          int      `mapstructure:"validation_steps"`
	ValidationPrompts        []Prompt `mapstructure:"validation_prompts"`
	ValidationResolution     string   `mapstructure:"validation_resolution"`
	ValidationInferenceSteps int      `mapstructure:"validation_num_inference_steps"`
	ValidationGuidance       float64  `mapstructure:"validation_guidance"`
	ValidationSeed           int64    `mapstructure:"validation_seed"`
	ValidationScheduler      string   `mapstructure:"validation_noise_scheduler"`
	ValidationImageStrength  float64  `mapstructure:"validation_image_strength"`
	SkipLayers               []int    `mapstructure:"validation_skip_layers"`
	SkipLayerScale           float64  `mapstructure:"validation_skip_layer_scale"`

	DisableBenchmark     bool `mapstructure:"disable_benchmark"`
	DisableUnconditional bool `mapstructure:"validation_disable_unconditional"`
	KeepPipeline         bool `mapstructure:"keep_validation_pipeline_loaded"`

	Model map[string]any `mapstructure:"model"`
}

func DefaultConfig() Config {
	return Config{
		ModelFamily:               string(pipeline.FamilyFlux),
		OutputDir:                 "output",
		TrainSteps:                1000,
		GradientAccumulationSteps: 1,
		NumTrainTimesteps:         1000,
		EMADecay:                  0.999,
		EMAValidation:             "none",
		ValidationSteps:           100,
		ValidationResolution:      "1024",
		ValidationInferenceSteps:  20,
		ValidationGuidance:        3.5,
		ValidationImageStrength:   0.8,
	}
}

// LoadConfig reads a JSON config file over the defaults and applies
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("training: parsing %s: %w", path, err)
	}
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("training: decoding %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if dir := envconfig.OutputDir(); dir != "" {
		c.OutputDir = dir
	}
	if backend := envconfig.Backend(); backend != "" {
		c.Backend = backend
	}
}

// PreparedPrompts is the full validation prompt list: an unconditional
// (empty-prompt) entry leads unless disabled, followed by the configured
// prompts.
func (c *Config) PreparedPrompts() []Prompt {
	if len(c.ValidationPrompts) == 0 {
		return nil
	}

	prompts := make([]Prompt, 0, len(c.ValidationPrompts)+1)
	if !c.DisableUnconditional {
		prompts = append(prompts, Prompt{Shortname: "unconditional"})
	}
	return append(prompts, c.ValidationPrompts...)
}

func (c *Config) Validate() error {
	if _, err := pipeline.Lookup(pipeline.Family(c.ModelFamily)); err != nil {
		return err
	}

	switch c.EMAValidation {
	case "", "none", "ema_only", "comparison":
	default:
		return fmt.Errorf("training: unknown ema_validation mode %q", c.EMAValidation)
	}

	if c.GradientAccumulationSteps < 1 {
		return fmt.Errorf("training: gradient_accumulation_steps must be >= 1")
	}
	if c.NumTrainTimesteps < 1 {
		return fmt.Errorf("training: num_train_timesteps must be >= 1")
	}
	return nil
}
