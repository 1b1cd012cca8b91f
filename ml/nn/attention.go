package nn

import (
	"fmt"

	"github.com/tessera-ml/tessera/ml"
)

// Kernel computes scaled dot-product attention. All tensors are
// [batch, heads, seq, dim]; mask is an additive bias broadcastable to
// [batch, heads, queries, keys], or nil.
type Kernel func(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64) ml.Tensor

// PickKernel probes the backend once for a fused attention implementation
// and falls back to the generic mulmat+softmax path. The returned name makes
// the selection inspectable; callers may override it for testing.
func PickKernel(probe ml.Tensor) (Kernel, string) {
	if _, ok := probe.(ml.ScaledDotProductAttention); ok {
		return fusedAttention, "fused"
	}
	return Attention, "mulmat"
}

// KernelByName resolves an attention kernel by its reported name.
func KernelByName(name string) (Kernel, error) {
	switch name {
	case "fused":
		return fusedAttention, nil
	case "mulmat":
		return Attention, nil
	default:
		return nil, fmt.Errorf("nn: unknown attention kernel %q", name)
	}
}

func fusedAttention(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64) ml.Tensor {
	return query.(ml.ScaledDotProductAttention).ScaledDotProductAttention(ctx, key, value, mask, scale)
}

// Attention is the generic scaled dot-product attention:
// softmax(QK^T/√d + mask)V.
func Attention(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64) ml.Tensor {
	if query.Dim(len(query.Shape())-1) != key.Dim(len(key.Shape())-1) {
		panic(fmt.Errorf("nn: d_k does not match between query(%d) and key(%d)",
			query.Dim(len(query.Shape())-1), key.Dim(len(key.Shape())-1)))
	}

	kT := key.Permute(ctx, 0, 1, 3, 2).Contiguous(ctx)
	scores := query.Matmul(ctx, kT).Scale(ctx, scale)
	if mask != nil {
		scores = scores.Add(ctx, mask)
	}
	scores = scores.Softmax(ctx)
	return scores.Matmul(ctx, value)
}
