package ml

import (
	"fmt"
)

// Backend executes tensor programs on a particular device. Implementations
// register themselves at init time and are selected by name.
type Backend interface {
	Name() string
	NewContext() Context
}

var backends = make(map[string]func() (Backend, error))

// RegisterBackend registers a backend factory function.
func RegisterBackend(name string, f func() (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("ml: backend already registered")
	}

	backends[name] = f
}

// NewBackend creates a backend by name. An empty name selects the CPU backend.
func NewBackend(name string) (Backend, error) {
	if name == "" {
		name = "cpu"
	}

	if f, ok := backends[name]; ok {
		return f()
	}

	return nil, fmt.Errorf("ml: unsupported backend %q", name)
}

// Context allocates tensors and tracks the memory of intermediate
// activations. Contexts are not safe for concurrent use.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	FromIntSlice(s []int32, shape ...int) (Tensor, error)

	// Checkpoint runs fn in a child context and releases every intermediate
	// allocated inside it, keeping only the returned tensors. During training
	// this trades recomputation for activation memory.
	Checkpoint(fn func(Context) []Tensor) []Tensor

	// ActivationBytes reports the memory currently held by live tensors
	// allocated through this context.
	ActivationBytes() int64

	Close()
}

// Tensor is a dense n-dimensional array. Shapes are row-major with the
// outermost dimension first, e.g. [batch, sequence, features]. Operations
// compute in float32 and round results back through the tensor's storage
// dtype, so half-precision tensors accumulate the same rounding error they
// would on accelerator hardware.
type Tensor interface {
	Shape() []int
	Dim(n int) int
	DType() DType

	// Floats returns the tensor contents as float32 in contiguous order.
	Floats() []float32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Matmul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor
	Neg(ctx Context) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor
	GELU(ctx Context) Tensor
	SILU(ctx Context) Tensor
	Cos(ctx Context) Tensor
	Sin(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, axes ...int) Tensor
	Contiguous(ctx Context) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Slice(ctx Context, dim, start, stop int) Tensor
	Chunk(ctx Context, dim, n int) []Tensor
	Convert(ctx Context, dtype DType) Tensor
}

// ScaledDotProductAttention is implemented by tensors whose backend carries a
// fused attention kernel. Callers probe for it with a type assertion and fall
// back to the generic mulmat+softmax path.
type ScaledDotProductAttention interface {
	ScaledDotProductAttention(ctx Context, key, value, mask Tensor, scale float64) Tensor
}

// Parameter is implemented by tensors whose storage can be replaced in place,
// such as learned weights. The exponential moving average machinery depends
// on it.
type Parameter interface {
	SetFloats(s []float32)
}
