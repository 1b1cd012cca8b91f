package cpu

import (
	"fmt"
	"math"

	"github.com/tessera-ml/tessera/ml"
)

// ScaledDotProductAttention is the fused attention path. It streams the
// softmax over keys (one running max and sum per query row) so the full
// [queries, keys] score matrix never materializes. Mask, when present, is an
// additive bias broadcastable to [batch, heads, queries, keys].
func (t *Tensor) ScaledDotProductAttention(ctx ml.Context, key, value, mask ml.Tensor, scale float64) ml.Tensor {
	q := t
	k := key.(*Tensor)
	v := value.(*Tensor)

	if len(q.shape) != 4 || len(k.shape) != 4 || len(v.shape) != 4 {
		panic(fmt.Sprintf("cpu: attention requires [batch, heads, seq, dim] tensors, got %v %v %v", q.shape, k.shape, v.shape))
	}

	b, h, s, d := q.shape[0], q.shape[1], q.shape[2], q.shape[3]
	kn := k.shape[2]
	if k.shape[3] != d || v.shape[2] != kn {
		panic(fmt.Sprintf("cpu: attention shape mismatch q=%v k=%v v=%v", q.shape, k.shape, v.shape))
	}

	var m *Tensor
	if mask != nil {
		m = mask.(*Tensor)
	}

	qv, kv, vv := q.Floats(), k.Floats(), v.Floats()
	out := newTensor(ctx.(*Context), q.dtype, []int{b, h, s, d})

	dv := v.shape[3]
	acc := make([]float32, dv)
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			for si := 0; si < s; si++ {
				qrow := qv[((bi*h+hi)*s+si)*d : ((bi*h+hi)*s+si+1)*d]

				maxScore := math.Inf(-1)
				var sum float64
				for i := range acc {
					acc[i] = 0
				}

				for ki := 0; ki < kn; ki++ {
					krow := kv[((bi*h+hi)*kn+ki)*d : ((bi*h+hi)*kn+ki+1)*d]
					var dot float64
					for i := range qrow {
						dot += float64(qrow[i]) * float64(krow[i])
					}
					score := dot * scale
					if m != nil {
						score += float64(m.broadcastLoad([]int{bi, hi, si, ki}))
					}
					if math.IsInf(score, -1) {
						continue
					}

					weight := 1.0
					if score > maxScore {
						// rescale the accumulator to the new running max
						rescale := math.Exp(maxScore - score)
						sum *= rescale
						for i := range acc {
							acc[i] = float32(float64(acc[i]) * rescale)
						}
						maxScore = score
					} else {
						weight = math.Exp(score - maxScore)
					}
					sum += weight

					vrow := vv[((bi*h+hi)*kn+ki)*dv : ((bi*h+hi)*kn+ki+1)*dv]
					for i := range acc {
						acc[i] += float32(weight * float64(vrow[i]))
					}
				}

				base := ((bi*h+hi)*s + si) * dv
				for i := range acc {
					out.store(base+i, float32(float64(acc[i])/sum))
				}
			}
		}
	}
	return out
}
