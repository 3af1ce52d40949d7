package kernel

// © 2025 moe-engine authors. MIT License.

import (
	"math"

	"github.com/moerun/moe-engine/pkg/errs"
)

// Attention computes scaled dot-product attention with a causal mask and
// grouped-query support (spec §4.E): q is [M, heads, headDim], k and v are
// [kvLen, kvHeads, headDim]. causalOffset is the absolute position of
// query row 0 (i.e. the cache length before this chunk), so query row i
// may attend to key positions [0, causalOffset+i]. When kvHeads <
// heads, each kv head is replicated across heads/kvHeads query heads
// (grouped-query / multi-query attention).
func (d *Dispatcher) Attention(q []float32, M, heads, headDim int, k, v []float32, kvLen, kvHeads int, causalOffset int) ([]float32, error) {
	if _, err := d.compile(OpAttention, VariantStandard); err != nil {
		return nil, err
	}
	if heads%kvHeads != 0 {
		return nil, errs.Newf(errs.KernelUnavailable, "attention: heads %d not a multiple of kvHeads %d", heads, kvHeads)
	}
	groupSize := heads / kvHeads
	scale := 1.0 / math.Sqrt(float64(headDim))

	out := make([]float32, M*heads*headDim)
	scores := make([]float64, kvLen)

	for qi := 0; qi < M; qi++ {
		maxKey := causalOffset + qi // inclusive
		for h := 0; h < heads; h++ {
			kvh := h / groupSize
			qBase := (qi*heads + h) * headDim

			var maxScore = math.Inf(-1)
			for ki := 0; ki <= maxKey && ki < kvLen; ki++ {
				kBase := (ki*kvHeads + kvh) * headDim
				var dot float64
				for x := 0; x < headDim; x++ {
					dot += float64(q[qBase+x]) * float64(k[kBase+x])
				}
				dot *= scale
				scores[ki] = dot
				if dot > maxScore {
					maxScore = dot
				}
			}

			var sum float64
			for ki := 0; ki <= maxKey && ki < kvLen; ki++ {
				e := math.Exp(scores[ki] - maxScore)
				scores[ki] = e
				sum += e
			}

			outBase := (qi*heads + h) * headDim
			for x := 0; x < headDim; x++ {
				var acc float64
				for ki := 0; ki <= maxKey && ki < kvLen; ki++ {
					vBase := (ki*kvHeads + kvh) * headDim
					acc += scores[ki] / sum * float64(v[vBase+x])
				}
				out[outBase+x] = float32(acc)
			}
		}
	}
	return out, nil
}
