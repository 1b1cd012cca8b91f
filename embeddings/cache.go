// Package embeddings caches text-encoder output per prompt. Validation
// requires every prompt's embeddings to already be computable through here;
// the text encoders themselves are external collaborators.
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/tessera-ml/tessera/ml"
)

// Computer produces the embedding tuple for prompts that miss the cache.
// The tuple arity is family specific: 2 = embeds+pooled, 3 = +time ids,
// 4 = +attention mask.
type Computer interface {
	Compute(ctx context.Context, prompt string) ([]ml.Tensor, error)
}

// Cache resolves prompt embeddings.
type Cache interface {
	ComputeForPrompts(ctx context.Context, prompts []string) ([][]ml.Tensor, error)
}

type record struct {
	Shapes [][]int     `cbor:"1,keyasint"`
	Data   [][]float32 `cbor:"2,keyasint"`
}

// DiskCache persists embedding tuples as CBOR files keyed by the prompt
// text hash.
type DiskCache struct {
	dir      string
	backend  ml.Backend
	computer Computer
}

func NewDiskCache(dir string, backend ml.Backend, computer Computer) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskCache{dir: dir, backend: backend, computer: computer}, nil
}

func (c *DiskCache) path(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".cbor")
}

func (c *DiskCache) ComputeForPrompts(ctx context.Context, prompts []string) ([][]ml.Tensor, error) {
	out := make([][]ml.Tensor, 0, len(prompts))
	for _, prompt := range prompts {
		tuple, err := c.lookup(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("embeddings: prompt %q: %w", prompt, err)
		}
		out = append(out, tuple)
	}
	return out, nil
}

func (c *DiskCache) lookup(ctx context.Context, prompt string) ([]ml.Tensor, error) {
	path := c.path(prompt)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return c.decode(data)
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	if c.computer == nil {
		return nil, fmt.Errorf("not cached and no text encoder attached")
	}

	slog.Debug("embedding cache miss", "path", path)
	tuple, err := c.computer.Compute(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if err := c.store(path, tuple); err != nil {
		return nil, err
	}
	return tuple, nil
}

func (c *DiskCache) decode(data []byte) ([]ml.Tensor, error) {
	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if len(rec.Shapes) != len(rec.Data) {
		return nil, fmt.Errorf("corrupt record: %d shapes, %d buffers", len(rec.Shapes), len(rec.Data))
	}

	mctx := c.backend.NewContext()
	tuple := make([]ml.Tensor, len(rec.Data))
	for i := range rec.Data {
		t, err := mctx.FromFloatSlice(rec.Data[i], rec.Shapes[i]...)
		if err != nil {
			return nil, err
		}
		tuple[i] = t
	}
	return tuple, nil
}

func (c *DiskCache) store(path string, tuple []ml.Tensor) error {
	rec := record{
		Shapes: make([][]int, len(tuple)),
		Data:   make([][]float32, len(tuple)),
	}
	for i, t := range tuple {
		rec.Shapes[i] = t.Shape()
		rec.Data[i] = t.Floats()
	}

	data, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
