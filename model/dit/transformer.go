package dit

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/mitchellh/mapstructure"

	"github.com/tessera-ml/tessera/ml"
	"github.com/tessera-ml/tessera/ml/nn"
	"github.com/tessera-ml/tessera/model"
)

type Config struct {
	InChannels          int     `mapstructure:"in_channels"`
	OutChannels         int     `mapstructure:"out_channels"`
	PatchSize           int     `mapstructure:"patch_size"`
	NumLayers           int     `mapstructure:"num_layers"`
	NumSingleLayers     int     `mapstructure:"num_single_layers"`
	AttentionHeadDim    int     `mapstructure:"attention_head_dim"`
	NumAttentionHeads   int     `mapstructure:"num_attention_heads"`
	JointAttentionDim   int     `mapstructure:"joint_attention_dim"`
	PooledProjectionDim int     `mapstructure:"pooled_projection_dim"`
	GuidanceEmbeds      bool    `mapstructure:"guidance_embeds"`
	AxesDimsRope        []int   `mapstructure:"axes_dims_rope"`
	RopeTheta           float64 `mapstructure:"rope_theta"`
	DType               string  `mapstructure:"dtype"`
	Seed                int64   `mapstructure:"seed"`
}

func DefaultConfig() Config {
	return Config{
		InChannels:          64,
		PatchSize:           1,
		NumLayers:           19,
		NumSingleLayers:     38,
		AttentionHeadDim:    128,
		NumAttentionHeads:   24,
		JointAttentionDim:   4096,
		PooledProjectionDim: 768,
		GuidanceEmbeds:      true,
		AxesDimsRope:        []int{16, 56, 56},
		RopeTheta:           10000,
	}
}

func init() {
	model.Register("flux", func(b ml.Backend, raw map[string]any) (model.Model, error) {
		cfg := DefaultConfig()
		if err := mapstructure.Decode(raw, &cfg); err != nil {
			return nil, fmt.Errorf("dit: decoding config: %w", err)
		}
		return New(b, cfg)
	})
}

// AdapterScaler adjusts the strength of wrapped adapter layers for the
// duration of a forward pass.
type AdapterScaler interface {
	SetScale(float64)
}

// Transformer is the full denoiser: linear token embedders, N dual-stream
// blocks, M merged-stream blocks and the adaptive output head.
type Transformer struct {
	model.Base

	cfg     Config
	dtype   ml.DType
	weights ml.Context
	rope    *RotaryEncoder

	ImageEmbed   *nn.Linear
	TextEmbed    *nn.Linear
	Conditioning *Conditioning
	DoubleBlocks []*DualStreamBlock
	SingleBlocks []*MergedStreamBlock
	NormOut      *AdaLayerNormContinuous
	ProjOut      *nn.Linear

	// Adapters are scaled by Input.AdapterScale for the span of a forward
	// pass and always restored before returning.
	Adapters []AdapterScaler

	training           bool
	checkpointing      bool
	checkpointInterval int
	kernelName         string
}

func New(b ml.Backend, cfg Config) (*Transformer, error) {
	if cfg.OutChannels == 0 {
		cfg.OutChannels = cfg.InChannels
	}

	inner := cfg.NumAttentionHeads * cfg.AttentionHeadDim
	rope, err := NewRotaryEncoder(cfg.RopeTheta, cfg.AxesDimsRope...)
	if err != nil {
		return nil, err
	}
	if rope.Dim() != cfg.AttentionHeadDim {
		return nil, fmt.Errorf("dit: rotary axes %v sum to %d, want head dimension %d", cfg.AxesDimsRope, rope.Dim(), cfg.AttentionHeadDim)
	}

	dtype, err := ml.ParseDType(cfg.DType)
	if err != nil {
		return nil, err
	}

	wctx := b.NewContext()
	kernel, kernelName := nn.PickKernel(wctx.Zeros(dtype, 1))
	slog.Debug("selected attention kernel", "backend", b.Name(), "kernel", kernelName)

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &Transformer{
		Base:       model.NewBase(b),
		cfg:        cfg,
		dtype:      dtype,
		weights:    wctx,
		rope:       rope,
		kernelName: kernelName,

		ImageEmbed:   nn.NewLinear(wctx, rng, cfg.InChannels, inner, true, dtype),
		TextEmbed:    nn.NewLinear(wctx, rng, cfg.JointAttentionDim, inner, true, dtype),
		Conditioning: NewConditioning(wctx, rng, cfg.PooledProjectionDim, inner, cfg.GuidanceEmbeds, dtype),
		NormOut:      NewAdaLayerNormContinuous(wctx, rng, inner, inner, dtype),
		ProjOut:      nn.NewLinear(wctx, rng, inner, cfg.PatchSize*cfg.PatchSize*cfg.OutChannels, true, dtype),
	}

	for i := 0; i < cfg.NumLayers; i++ {
		m.DoubleBlocks = append(m.DoubleBlocks, NewDualStreamBlock(wctx, rng, inner, cfg.NumAttentionHeads, kernel, dtype))
	}
	for i := 0; i < cfg.NumSingleLayers; i++ {
		m.SingleBlocks = append(m.SingleBlocks, NewMergedStreamBlock(wctx, rng, inner, cfg.NumAttentionHeads, kernel, dtype))
	}
	return m, nil
}

func (m *Transformer) Config() Config {
	return m.cfg
}

// AttentionKernel reports which attention implementation was selected at
// construction.
func (m *Transformer) AttentionKernel() string {
	return m.kernelName
}

// SetAttentionKernel overrides the attention implementation on every block.
func (m *Transformer) SetAttentionKernel(name string) error {
	kernel, err := nn.KernelByName(name)
	if err != nil {
		return err
	}

	for _, b := range m.DoubleBlocks {
		b.Attention.kernel = kernel
	}
	for _, b := range m.SingleBlocks {
		b.Attention.kernel = kernel
	}
	m.kernelName = name
	return nil
}

func (m *Transformer) SetTraining(training bool) {
	m.training = training
}

// SetGradientCheckpointing enables recompute-in-backward for transformer
// blocks. An interval of 0 checkpoints every block; otherwise every
// interval-th block.
func (m *Transformer) SetGradientCheckpointing(enabled bool, interval int) {
	m.checkpointing = enabled
	m.checkpointInterval = interval
}

func (m *Transformer) Close() {
	m.weights.Close()
}

// Input carries one forward pass worth of tensors.
type Input struct {
	Image    ml.Tensor // [batch, tokens, in_channels]
	Text     ml.Tensor // [batch, text_len, joint_attention_dim]
	Pooled   ml.Tensor // [batch, pooled_projection_dim]
	Timestep ml.Tensor // [batch]
	Guidance ml.Tensor // [batch], required iff the model embeds guidance

	TextIDs  ml.Tensor // [text_len, 3] or [batch, text_len, 3]
	ImageIDs ml.Tensor // [tokens, 3] or [batch, tokens, 3]

	Mask ml.Tensor // optional [batch, text_len] keep-mask

	AdapterScale float64
}

// Forward produces the denoising prediction
// [batch, tokens, patch_size²·out_channels].
func (m *Transformer) Forward(ctx ml.Context, in Input) (ml.Tensor, error) {
	if in.AdapterScale != 0 {
		for _, a := range m.Adapters {
			a.SetScale(in.AdapterScale)
		}
		defer func() {
			for _, a := range m.Adapters {
				a.SetScale(1)
			}
		}()
	}

	image := m.ImageEmbed.Forward(ctx, in.Image)
	temb, err := m.Conditioning.Forward(ctx, in.Timestep, in.Pooled, in.Guidance)
	if err != nil {
		return nil, err
	}
	text := m.TextEmbed.Forward(ctx, in.Text)

	batch, textLen := text.Dim(0), text.Dim(1)
	total := textLen + image.Dim(1)

	textIDs, err := collapseIDs(ctx, in.TextIDs)
	if err != nil {
		return nil, err
	}
	imageIDs, err := collapseIDs(ctx, in.ImageIDs)
	if err != nil {
		return nil, err
	}

	cos, sin, err := m.rope.Encode(ctx, textIDs.Concat(ctx, imageIDs, 0))
	if err != nil {
		return nil, err
	}

	var mask ml.Tensor
	if in.Mask != nil {
		keep, err := ExpandMask(ctx, in.Mask, batch, total)
		if err != nil {
			return nil, err
		}
		if mask, err = additiveMask(ctx, keep); err != nil {
			return nil, err
		}
	}

	for i, blk := range m.DoubleBlocks {
		if m.training && m.checkpointing && (m.checkpointInterval == 0 || i%m.checkpointInterval == 0) {
			outs := ctx.Checkpoint(func(c ml.Context) []ml.Tensor {
				t, im := blk.Forward(c, text, image, temb, m.rope, cos, sin, mask)
				return []ml.Tensor{t, im}
			})
			text, image = outs[0], outs[1]
		} else {
			text, image = blk.Forward(ctx, text, image, temb, m.rope, cos, sin, mask)
		}
	}

	merged := text.Concat(ctx, image, 1)

	for i, blk := range m.SingleBlocks {
		// the interval is deliberately not consulted when checkpointing is
		// enabled in training mode; merged blocks checkpoint unconditionally
		if (m.training && m.checkpointing) || (m.checkpointInterval > 0 && i%m.checkpointInterval == 0) {
			outs := ctx.Checkpoint(func(c ml.Context) []ml.Tensor {
				return []ml.Tensor{blk.Forward(c, merged, temb, m.rope, cos, sin, mask)}
			})
			merged = outs[0]
		} else {
			merged = blk.Forward(ctx, merged, temb, m.rope, cos, sin, mask)
		}
	}

	imageOnly := merged.Slice(ctx, 1, textLen, merged.Dim(1))
	out := m.NormOut.Forward(ctx, imageOnly, temb)
	return m.ProjOut.Forward(ctx, out), nil
}

// collapseIDs reduces batched position ids [batch, tokens, 3] to the shared
// [tokens, 3] form. Every sample must carry identical ids; heterogeneous
// layouts within a batch are unsupported.
func collapseIDs(ctx ml.Context, ids ml.Tensor) (ml.Tensor, error) {
	shape := ids.Shape()
	switch len(shape) {
	case 2:
		return ids, nil
	case 3:
		vals := ids.Floats()
		n := shape[1] * shape[2]
		for b := 1; b < shape[0]; b++ {
			for i := 0; i < n; i++ {
				if vals[b*n+i] != vals[i] {
					return nil, fmt.Errorf("dit: position ids differ across the batch at sample %d", b)
				}
			}
		}
		return ids.Slice(ctx, 0, 0, 1).Reshape(ctx, shape[1], shape[2]), nil
	default:
		return nil, fmt.Errorf("dit: position ids must have rank 2 or 3, got %v", shape)
	}
}
