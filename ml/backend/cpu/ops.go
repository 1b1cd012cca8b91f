package cpu

import (
	"fmt"
	"math"

	"github.com/tessera-ml/tessera/ml"
)

// broadcastShapes aligns two shapes from the trailing axis, allowing size-1
// axes to stretch.
func broadcastShapes(a, b []int) []int {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 1; i <= n; i++ {
		da, db := 1, 1
		if i <= len(a) {
			da = a[len(a)-i]
		}
		if i <= len(b) {
			db = b[len(b)-i]
		}

		switch {
		case da == db, db == 1:
			out[n-i] = da
		case da == 1:
			out[n-i] = db
		default:
			panic(fmt.Sprintf("cpu: shapes %v and %v do not broadcast", a, b))
		}
	}
	return out
}

// broadcastLoad reads the element of t addressed by output coordinates,
// right-aligning t's shape against the output shape.
func (t *Tensor) broadcastLoad(coords []int) float32 {
	i := t.offset
	shift := len(coords) - len(t.shape)
	for d := range t.shape {
		c := coords[d+shift]
		if t.shape[d] == 1 {
			c = 0
		}
		i += c * t.stride[d]
	}
	return t.load(i)
}

func binaryOp(ctx ml.Context, a, b *Tensor, f func(x, y float32) float32) *Tensor {
	shape := broadcastShapes(a.shape, b.shape)
	out := newTensor(ctx.(*Context), a.dtype, shape)

	coords := make([]int, len(shape))
	for i := 0; i < numel(shape); i++ {
		out.store(i, f(a.broadcastLoad(coords), b.broadcastLoad(coords)))
		advance(coords, shape)
	}
	return out
}

func unaryOp(ctx ml.Context, t *Tensor, f func(x float32) float32) *Tensor {
	dtype := t.dtype
	if dtype == ml.DTypeI32 {
		dtype = ml.DTypeF32
	}

	out := newTensor(ctx.(*Context), dtype, t.shape)
	coords := make([]int, len(t.shape))
	for i := 0; i < numel(t.shape); i++ {
		out.store(i, f(t.load(t.index(coords))))
		advance(coords, t.shape)
	}
	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return binaryOp(ctx, t, t2.(*Tensor), func(x, y float32) float32 { return x + y })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return binaryOp(ctx, t, t2.(*Tensor), func(x, y float32) float32 { return x * y })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return unaryOp(ctx, t, func(x float32) float32 { return x * float32(s) })
}

func (t *Tensor) Neg(ctx ml.Context) ml.Tensor {
	return unaryOp(ctx, t, func(x float32) float32 { return -x })
}

func (t *Tensor) Cos(ctx ml.Context) ml.Tensor {
	return unaryOp(ctx, t, func(x float32) float32 { return float32(math.Cos(float64(x))) })
}

func (t *Tensor) Sin(ctx ml.Context) ml.Tensor {
	return unaryOp(ctx, t, func(x float32) float32 { return float32(math.Sin(float64(x))) })
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	return unaryOp(ctx, t, func(x float32) float32 {
		return x / (1 + float32(math.Exp(-float64(x))))
	})
}

// GELU uses the tanh approximation, matching the "gelu-approximate"
// activation the transformer blocks train with.
func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	const c = 0.7978845608028654 // sqrt(2/pi)
	return unaryOp(ctx, t, func(x float32) float32 {
		x64 := float64(x)
		return float32(0.5 * x64 * (1 + math.Tanh(c*(x64+0.044715*x64*x64*x64))))
	})
}

// rows iterates the tensor as a matrix of [rest, lastDim] float32 rows,
// calling f with a scratch row it may modify, then stores the result.
func mapRows(ctx ml.Context, t *Tensor, f func(row []float32)) *Tensor {
	last := t.shape[len(t.shape)-1]
	src := t.Floats()
	out := newTensor(ctx.(*Context), t.dtype, t.shape)

	row := make([]float32, last)
	for i := 0; i < len(src); i += last {
		copy(row, src[i:i+last])
		f(row)
		for j, v := range row {
			out.store(i+j, v)
		}
	}
	return out
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	return mapRows(ctx, t, func(row []float32) {
		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}

		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - maxv))
			row[i] = float32(e)
			sum += e
		}
		for i := range row {
			row[i] = float32(float64(row[i]) / sum)
		}
	})
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	var w, b []float32
	if weight != nil {
		w = weight.Floats()
	}
	if bias != nil {
		b = bias.Floats()
	}

	return mapRows(ctx, t, func(row []float32) {
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(len(row))

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(len(row))

		inv := 1 / math.Sqrt(variance+float64(eps))
		for i, v := range row {
			n := float32((float64(v) - mean) * inv)
			if w != nil {
				n *= w[i]
			}
			if b != nil {
				n += b[i]
			}
			row[i] = n
		}
	})
}

func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	var w []float32
	if weight != nil {
		w = weight.Floats()
	}

	return mapRows(ctx, t, func(row []float32) {
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}

		inv := 1 / math.Sqrt(ss/float64(len(row))+float64(eps))
		for i, v := range row {
			n := float32(float64(v) * inv)
			if w != nil {
				n *= w[i]
			}
			row[i] = n
		}
	})
}
