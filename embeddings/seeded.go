package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"

	"github.com/tessera-ml/tessera/ml"
)

// SeededComputer produces deterministic pseudo-embeddings derived from the
// prompt text. It substitutes for real text encoders in tests and smoke
// runs: the same prompt always maps to the same tensors.
type SeededComputer struct {
	Backend   ml.Backend
	Arity     int
	TextLen   int
	EmbedDim  int
	PooledDim int
}

func (c *SeededComputer) Compute(ctx context.Context, prompt string) ([]ml.Tensor, error) {
	sum := sha256.Sum256([]byte(prompt))
	rng := rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(sum[:8]))))

	mctx := c.Backend.NewContext()

	embeds, err := randomTensor(mctx, rng, 1, c.TextLen, c.EmbedDim)
	if err != nil {
		return nil, err
	}
	tuple := []ml.Tensor{embeds}

	if c.Arity >= 2 {
		pooled, err := randomTensor(mctx, rng, 1, c.PooledDim)
		if err != nil {
			return nil, err
		}
		tuple = append(tuple, pooled)
	}
	if c.Arity >= 3 {
		timeIDs, err := mctx.FromFloatSlice(make([]float32, 6), 1, 6)
		if err != nil {
			return nil, err
		}
		tuple = append(tuple, timeIDs)
	}
	if c.Arity >= 4 {
		mask := make([]float32, c.TextLen)
		for i := range mask {
			mask[i] = 1
		}
		m, err := mctx.FromFloatSlice(mask, 1, c.TextLen)
		if err != nil {
			return nil, err
		}
		tuple = append(tuple, m)
	}
	return tuple, nil
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
