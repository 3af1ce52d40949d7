package kernel

// © 2025 moe-engine authors. MIT License.

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moerun/moe-engine/internal/device"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	dev, err := device.Probe()
	require.NoError(t, err)
	return New(dev)
}

func TestMatmulIdentity(t *testing.T) {
	d := newTestDispatcher(t)
	a := []float32{1, 2, 3, 4} // [2,2]
	w := []float32{1, 0, 0, 1} // identity, [2,2]
	out, err := d.Matmul(a, 2, 2, w, 2, "")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, out)
}

func TestMatmulCompilesPipelineOnce(t *testing.T) {
	d := newTestDispatcher(t)
	a := []float32{1, 2}
	w := []float32{1, 1}
	_, err := d.Matmul(a, 1, 2, w, 1, "")
	require.NoError(t, err)
	_, err = d.Matmul(a, 1, 2, w, 1, "")
	require.NoError(t, err)
	require.Equal(t, 1, d.CacheSize())
}

func TestDequantQ4KRejectsUnsupportedVariant(t *testing.T) {
	d := newTestDispatcher(t)
	// Host device reports no subgroups, so explicitly requesting the
	// subgroup_vec4 Q4_K dequant variant should fail fast.
	_, err := d.DequantQ4K(make([]byte, Q4KTestBlockBytes), 256, VariantSubgroupVec4)
	require.Error(t, err)
}

const Q4KTestBlockBytes = 144

func TestRMSNormUnitWeight(t *testing.T) {
	d := newTestDispatcher(t)
	x := []float32{3, 4} // rms = sqrt((9+16)/2) = sqrt(12.5)
	weight := []float32{1, 1}
	out, err := d.RMSNorm(x, 1, 2, weight, 1e-6)
	require.NoError(t, err)
	require.InDelta(t, 3.0/math.Sqrt(12.5), float64(out[0]), 1e-3)
}

func TestSiLUMatchesFormula(t *testing.T) {
	d := newTestDispatcher(t)
	out, err := d.SiLU([]float32{0}, []float32{2})
	require.NoError(t, err)
	require.InDelta(t, 0.0, float64(out[0]), 1e-6) // silu(0) = 0 * 0.5
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	d := newTestDispatcher(t)
	out, err := d.Softmax([]float32{1, 2, 3, 1, 1, 1}, 2, 3)
	require.NoError(t, err)
	require.InDelta(t, 1.0, float64(out[0]+out[1]+out[2]), 1e-5)
	require.InDelta(t, 1.0, float64(out[3]+out[4]+out[5]), 1e-5)
}

func TestAttentionCausalMaskHidesFutureKeys(t *testing.T) {
	d := newTestDispatcher(t)
	// 2 query positions, 1 head, headDim 1, kvLen 2 matching M, causalOffset 0.
	q := []float32{1, 1}
	k := []float32{1, 100} // second key would dominate if visible to query 0
	v := []float32{5, 9}
	out, err := d.Attention(q, 2, 1, 1, k, v, 2, 1, 0)
	require.NoError(t, err)
	// Query 0 can only see key 0, so output must equal v[0].
	require.InDelta(t, 5.0, float64(out[0]), 1e-4)
}

func TestAttentionGroupedQueryReplicatesKVHeads(t *testing.T) {
	d := newTestDispatcher(t)
	// 2 query heads sharing 1 kv head.
	q := []float32{1, 1, 1, 1} // only q[:2] is passed: [M=1, heads=2, headDim=1]
	k := []float32{2}
	v := []float32{7}
	out, err := d.Attention(q[:2], 1, 2, 1, k, v, 1, 1, 0)
	require.NoError(t, err)
	require.InDelta(t, 7.0, float64(out[0]), 1e-4)
	require.InDelta(t, 7.0, float64(out[1]), 1e-4)
}

func TestRoPEPreservesNormAtPositionZero(t *testing.T) {
	d := newTestDispatcher(t)
	x := []float32{1, 0, 0, 1} // seqLen=1, heads=1, headDim=4 pairs (1,0) and (0,1)
	out, err := d.RoPE(x, 1, 1, 4, 0, 10000)
	require.NoError(t, err)
	// At position 0 every rotation angle is 0, so RoPE is the identity.
	require.InDelta(t, 1.0, float64(out[0]), 1e-6)
	require.InDelta(t, 0.0, float64(out[1]), 1e-6)
	require.InDelta(t, 0.0, float64(out[2]), 1e-6)
	require.InDelta(t, 1.0, float64(out[3]), 1e-6)
}
