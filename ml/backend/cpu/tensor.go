package cpu

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/tessera-ml/tessera/ml"
)

// Tensor is a strided view over a flat buffer. Reshape, Permute and Slice
// share storage with their source; everything else allocates.
type Tensor struct {
	shape  []int
	stride []int
	offset int
	dtype  ml.DType

	f32 []float32
	u16 []uint16
	i32 []int32
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func contiguousStrides(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}

func checkShape(n int, shape []int) error {
	if numel(shape) != n {
		return fmt.Errorf("cpu: shape %v does not describe %d elements", shape, n)
	}
	return nil
}

func newTensor(ctx *Context, dtype ml.DType, shape []int) *Tensor {
	t := &Tensor{
		shape:  append([]int(nil), shape...),
		stride: contiguousStrides(shape),
		dtype:  dtype,
	}

	n := numel(shape)
	switch dtype {
	case ml.DTypeI32:
		t.i32 = make([]int32, n)
	case ml.DTypeF16, ml.DTypeBF16:
		t.u16 = make([]uint16, n)
	default:
		t.f32 = make([]float32, n)
	}

	ctx.track(t)
	return t
}

func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) isContiguous() bool {
	if t.offset != 0 {
		return false
	}
	acc := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		if t.shape[i] != 1 && t.stride[i] != acc {
			return false
		}
		acc *= t.shape[i]
	}
	return true
}

// load reads the element at the flat storage index.
func (t *Tensor) load(i int) float32 {
	switch t.dtype {
	case ml.DTypeF16:
		return float16.Frombits(t.u16[i]).Float32()
	case ml.DTypeBF16:
		return bfloat16.ToFloat32(bfloat16.BF16(t.u16[i]))
	case ml.DTypeI32:
		return float32(t.i32[i])
	default:
		return t.f32[i]
	}
}

// store writes v at the flat storage index, rounding through the storage
// dtype.
func (t *Tensor) store(i int, v float32) {
	switch t.dtype {
	case ml.DTypeF16:
		t.u16[i] = float16.Fromfloat32(v).Bits()
	case ml.DTypeBF16:
		t.u16[i] = uint16(bfloat16.FromFloat32(v))
	case ml.DTypeI32:
		t.i32[i] = int32(v)
	default:
		t.f32[i] = v
	}
}

// index converts logical coordinates to a flat storage index.
func (t *Tensor) index(coords []int) int {
	i := t.offset
	for d, c := range coords {
		i += c * t.stride[d]
	}
	return i
}

// Floats gathers the tensor into a contiguous float32 slice.
func (t *Tensor) Floats() []float32 {
	out := make([]float32, numel(t.shape))
	if t.isContiguous() && t.dtype == ml.DTypeF32 {
		copy(out, t.f32[t.offset:t.offset+len(out)])
		return out
	}

	coords := make([]int, len(t.shape))
	for i := range out {
		out[i] = t.load(t.index(coords))
		advance(coords, t.shape)
	}
	return out
}

// SetFloats replaces the tensor contents in place. The tensor must be
// contiguous; parameters always are.
func (t *Tensor) SetFloats(s []float32) {
	if !t.isContiguous() {
		panic("cpu: SetFloats on non-contiguous tensor")
	}
	if len(s) != numel(t.shape) {
		panic(fmt.Sprintf("cpu: SetFloats length %d does not match shape %v", len(s), t.shape))
	}

	for i, v := range s {
		t.store(t.offset+i, v)
	}
}

// advance increments coords in row-major order.
func advance(coords, shape []int) {
	for d := len(shape) - 1; d >= 0; d-- {
		coords[d]++
		if coords[d] < shape[d] {
			return
		}
		coords[d] = 0
	}
}

// materialize returns a contiguous copy allocated in ctx, preserving dtype.
func (t *Tensor) materialize(ctx *Context) *Tensor {
	out := newTensor(ctx, t.dtype, t.shape)
	coords := make([]int, len(t.shape))
	for i := 0; i < numel(t.shape); i++ {
		switch t.dtype {
		case ml.DTypeI32:
			out.i32[i] = t.i32[t.index(coords)]
		case ml.DTypeF16, ml.DTypeBF16:
			out.u16[i] = t.u16[t.index(coords)]
		default:
			out.f32[i] = t.f32[t.index(coords)]
		}
		advance(coords, t.shape)
	}
	return out
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	if t.isContiguous() {
		return t
	}
	return t.materialize(ctx.(*Context))
}

func (t *Tensor) Convert(ctx ml.Context, dtype ml.DType) ml.Tensor {
	if dtype == t.dtype && t.isContiguous() {
		return t
	}

	out := newTensor(ctx.(*Context), dtype, t.shape)
	for i, v := range t.Floats() {
		out.store(i, v)
	}
	return out
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if err := checkShape(numel(t.shape), shape); err != nil {
		panic(err)
	}

	src := t
	if !t.isContiguous() {
		src = t.materialize(ctx.(*Context))
	}

	return &Tensor{
		shape:  append([]int(nil), shape...),
		stride: contiguousStrides(shape),
		offset: src.offset,
		dtype:  src.dtype,
		f32:    src.f32,
		u16:    src.u16,
		i32:    src.i32,
	}
}

func (t *Tensor) Permute(ctx ml.Context, axes ...int) ml.Tensor {
	if len(axes) != len(t.shape) {
		panic(fmt.Sprintf("cpu: permute axes %v do not match rank %d", axes, len(t.shape)))
	}

	shape := make([]int, len(axes))
	stride := make([]int, len(axes))
	for i, a := range axes {
		shape[i] = t.shape[a]
		stride[i] = t.stride[a]
	}

	return &Tensor{
		shape:  shape,
		stride: stride,
		offset: t.offset,
		dtype:  t.dtype,
		f32:    t.f32,
		u16:    t.u16,
		i32:    t.i32,
	}
}

func (t *Tensor) Slice(ctx ml.Context, dim, start, stop int) ml.Tensor {
	if dim < 0 || dim >= len(t.shape) || start < 0 || stop > t.shape[dim] || start >= stop {
		panic(fmt.Sprintf("cpu: slice [%d:%d] of axis %d out of range for shape %v", start, stop, dim, t.shape))
	}

	shape := append([]int(nil), t.shape...)
	shape[dim] = stop - start

	return &Tensor{
		shape:  shape,
		stride: append([]int(nil), t.stride...),
		offset: t.offset + start*t.stride[dim],
		dtype:  t.dtype,
		f32:    t.f32,
		u16:    t.u16,
		i32:    t.i32,
	}
}

func (t *Tensor) Chunk(ctx ml.Context, dim, n int) []ml.Tensor {
	if t.shape[dim]%n != 0 {
		panic(fmt.Sprintf("cpu: cannot chunk axis of length %d into %d parts", t.shape[dim], n))
	}

	size := t.shape[dim] / n
	out := make([]ml.Tensor, n)
	for i := range out {
		out[i] = t.Slice(ctx, dim, i*size, (i+1)*size)
	}
	return out
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	o := t2.(*Tensor)
	if len(t.shape) != len(o.shape) {
		panic(fmt.Sprintf("cpu: concat rank mismatch %v vs %v", t.shape, o.shape))
	}
	for d := range t.shape {
		if d != dim && t.shape[d] != o.shape[d] {
			panic(fmt.Sprintf("cpu: concat shape mismatch %v vs %v on axis %d", t.shape, o.shape, d))
		}
	}

	shape := append([]int(nil), t.shape...)
	shape[dim] += o.shape[dim]

	out := newTensor(ctx.(*Context), t.dtype, shape)
	av, bv := t.Floats(), o.Floats()

	outer := 1
	for d := 0; d < dim; d++ {
		outer *= shape[d]
	}
	inner := 1
	for d := dim + 1; d < len(shape); d++ {
		inner *= shape[d]
	}

	aw := t.shape[dim] * inner
	bw := o.shape[dim] * inner
	for i := 0; i < outer; i++ {
		for j := 0; j < aw; j++ {
			out.store(i*(aw+bw)+j, av[i*aw+j])
		}
		for j := 0; j < bw; j++ {
			out.store(i*(aw+bw)+aw+j, bv[i*bw+j])
		}
	}
	return out
}
