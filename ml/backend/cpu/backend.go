// Package cpu is a pure-Go tensor backend. It exists so the model code can
// run anywhere the toolchain does; the matmul inner loops go through BLAS and
// the fused attention kernel streams the softmax, but there is no attempt to
// compete with accelerator backends.
package cpu

import (
	"github.com/tessera-ml/tessera/ml"
)

func init() {
	ml.RegisterBackend("cpu", func() (ml.Backend, error) {
		return &Backend{}, nil
	})
}

type Backend struct{}

func (b *Backend) Name() string { return "cpu" }

func (b *Backend) NewContext() ml.Context {
	return &Context{}
}

// Context tracks the tensors allocated while building a forward pass so
// checkpointed sections can account for the activation memory they release.
type Context struct {
	parent *Context
	live   int64
}

func (c *Context) track(t *Tensor) {
	c.live += int64(len(t.shape)) // shape header, negligible but non-zero
	switch t.dtype {
	case ml.DTypeI32:
		c.live += int64(4 * len(t.i32))
	case ml.DTypeF16, ml.DTypeBF16:
		c.live += int64(2 * len(t.u16))
	default:
		c.live += int64(4 * len(t.f32))
	}
}

func (c *Context) ActivationBytes() int64 {
	return c.live
}

func (c *Context) Close() {
	c.live = 0
}

// Checkpoint evaluates fn in a child context and keeps only the returned
// tensors. Everything else allocated by fn becomes unreachable when the child
// context closes, which is the whole point: recompute later instead of
// holding activations now.
func (c *Context) Checkpoint(fn func(ml.Context) []ml.Tensor) []ml.Tensor {
	child := &Context{parent: c}
	outs := fn(child)

	kept := make([]ml.Tensor, len(outs))
	for i, out := range outs {
		t := out.(*Tensor).materialize(c)
		kept[i] = t
	}

	child.Close()
	return kept
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(c, dtype, shape)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(c, dtype, shape)
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if err := checkShape(len(s), shape); err != nil {
		return nil, err
	}

	t := newTensor(c, ml.DTypeF32, shape)
	copy(t.f32, s)
	return t, nil
}

func (c *Context) FromIntSlice(s []int32, shape ...int) (ml.Tensor, error) {
	if err := checkShape(len(s), shape); err != nil {
		return nil, err
	}

	t := newTensor(c, ml.DTypeI32, shape)
	copy(t.i32, s)
	return t, nil
}
