// Package dit implements a multi-stream diffusion transformer: text and
// image token streams processed by dual-stream blocks, then merged and
// refined by single-stream blocks, conditioned on diffusion timestep.
package dit

import (
	"fmt"
	"math"

	"github.com/tessera-ml/tessera/ml"
)

// RotaryEncoder derives rotary position embeddings from integer position id
// triples. Each axis owns a band of feature dimensions; the bands concatenate
// to the per-head rotary dimension. It has no learned parameters.
type RotaryEncoder struct {
	theta    float64
	axesDims []int
	dim      int
}

func NewRotaryEncoder(theta float64, axesDims ...int) (*RotaryEncoder, error) {
	dim := 0
	for _, d := range axesDims {
		if d%2 != 0 {
			return nil, fmt.Errorf("dit: rotary axis dimension %d is not even", d)
		}
		dim += d
	}

	return &RotaryEncoder{theta: theta, axesDims: append([]int(nil), axesDims...), dim: dim}, nil
}

// Dim reports the total rotary dimension, the sum of the axis bands.
func (e *RotaryEncoder) Dim() int {
	return e.dim
}

// Encode computes per-token (cos, sin) tensors of shape [tokens, dim] from
// position ids of shape [tokens, axes]. Embeddings are recomputed per batch;
// sequence lengths vary with the text prompt so they are never cached.
func (e *RotaryEncoder) Encode(ctx ml.Context, ids ml.Tensor) (ml.Tensor, ml.Tensor, error) {
	shape := ids.Shape()
	if len(shape) != 2 || shape[1] != len(e.axesDims) {
		return nil, nil, fmt.Errorf("dit: position ids %v do not match %d rotary axes", shape, len(e.axesDims))
	}

	tokens := shape[0]
	pos := ids.Floats()

	cosv := make([]float32, tokens*e.dim)
	sinv := make([]float32, tokens*e.dim)
	for t := 0; t < tokens; t++ {
		offset := 0
		for a, d := range e.axesDims {
			p := float64(pos[t*len(e.axesDims)+a])
			for j := 0; j < d/2; j++ {
				angle := p * math.Pow(e.theta, -2*float64(j)/float64(d))
				c, s := float32(math.Cos(angle)), float32(math.Sin(angle))

				// each frequency covers an adjacent feature pair
				i := t*e.dim + offset + 2*j
				cosv[i], cosv[i+1] = c, c
				sinv[i], sinv[i+1] = s, s
			}
			offset += d
		}
	}

	cos, err := ctx.FromFloatSlice(cosv, tokens, e.dim)
	if err != nil {
		return nil, nil, err
	}
	sin, err := ctx.FromFloatSlice(sinv, tokens, e.dim)
	if err != nil {
		return nil, nil, err
	}
	return cos, sin, nil
}

// Apply rotates query or key states [batch, heads, tokens, dim] by the
// encoded (cos, sin) pair.
func (e *RotaryEncoder) Apply(ctx ml.Context, t, cos, sin ml.Tensor) ml.Tensor {
	b, h, s, d := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)

	pairs := t.Reshape(ctx, b, h, s, d/2, 2)
	halves := pairs.Chunk(ctx, 4, 2)
	rotated := halves[1].Neg(ctx).Concat(ctx, halves[0], 4).Reshape(ctx, b, h, s, d)

	cos = cos.Reshape(ctx, 1, 1, s, d)
	sin = sin.Reshape(ctx, 1, 1, s, d)
	return t.Mul(ctx, cos).Add(ctx, rotated.Mul(ctx, sin))
}
