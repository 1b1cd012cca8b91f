package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tessera-ml/tessera/ml"
)

// Matmul multiplies [..., m, k] by [..., k, n], broadcasting leading batch
// axes. The inner product runs in float32 through BLAS regardless of storage
// dtype; the result is stored in the receiver's dtype.
func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	o := t2.(*Tensor)
	if len(t.shape) < 2 || len(o.shape) < 2 {
		panic(fmt.Sprintf("cpu: matmul requires rank >= 2, got %v x %v", t.shape, o.shape))
	}

	m, ka := t.shape[len(t.shape)-2], t.shape[len(t.shape)-1]
	kb, n := o.shape[len(o.shape)-2], o.shape[len(o.shape)-1]
	if ka != kb {
		panic(fmt.Sprintf("cpu: matmul inner dimensions %d and %d differ (%v x %v)", ka, kb, t.shape, o.shape))
	}

	batch := broadcastShapes(t.shape[:len(t.shape)-2], o.shape[:len(o.shape)-2])
	shape := append(append([]int(nil), batch...), m, n)
	out := newTensor(ctx.(*Context), t.dtype, shape)

	av := t.Floats()
	bv := o.Floats()

	aBatch := numel(t.shape[:len(t.shape)-2])
	bBatch := numel(o.shape[:len(o.shape)-2])

	cData := make([]float32, m*n)
	coords := make([]int, len(batch))
	for i := 0; i < numel(batch); i++ {
		ai := batchIndex(coords, t.shape[:len(t.shape)-2], aBatch)
		bi := batchIndex(coords, o.shape[:len(o.shape)-2], bBatch)

		am := blas32.General{Rows: m, Cols: ka, Stride: ka, Data: av[ai*m*ka : (ai+1)*m*ka]}
		bm := blas32.General{Rows: ka, Cols: n, Stride: n, Data: bv[bi*ka*n : (bi+1)*ka*n]}
		cm := blas32.General{Rows: m, Cols: n, Stride: n, Data: cData}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, am, bm, 0, cm)

		base := i * m * n
		for j, v := range cData {
			out.store(base+j, v)
		}

		advance(coords, batch)
	}
	return out
}

// batchIndex maps broadcast batch coordinates to a flat batch index of a
// tensor with the given (possibly shorter) batch shape.
func batchIndex(coords, shape []int, total int) int {
	if total == 1 {
		return 0
	}

	i := 0
	shift := len(coords) - len(shape)
	for d := range shape {
		c := coords[d+shift]
		if shape[d] == 1 {
			c = 0
		}
		i = i*shape[d] + c
	}
	return i
}
