package kernel

// © 2025 moe-engine authors. MIT License.

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/moerun/moe-engine/internal/quant"
	"github.com/moerun/moe-engine/pkg/errs"
)

// Matmul computes a[M,K] x w[N,K]^T -> out[M,N] (weight row-major [N,K],
// spec §4.E's matmul dispatch shape). variant selects/validates the
// fp16-vs-f32 pipeline but both operate in float32 on the host backend;
// the distinction matters for which device.Capability gates the call.
func (d *Dispatcher) Matmul(a []float32, M, K int, w []float32, N int, variant Variant) ([]float32, error) {
	if _, err := d.compile(OpMatmul, variant); err != nil {
		return nil, err
	}
	if len(a) != M*K {
		return nil, errs.Newf(errs.KernelUnavailable, "matmul: a has %d elements, want %d", len(a), M*K)
	}
	if len(w) != N*K {
		return nil, errs.Newf(errs.KernelUnavailable, "matmul: w has %d elements, want %d", len(w), N*K)
	}

	aD := mat.NewDense(M, K, toFloat64(a))
	wD := mat.NewDense(N, K, toFloat64(w))
	var out mat.Dense
	out.Mul(aD, wD.T())

	result := make([]float32, M*N)
	for i := 0; i < M; i++ {
		for j := 0; j < N; j++ {
			result[i*N+j] = float32(out.At(i, j))
		}
	}
	return result, nil
}

// RMSNorm normalizes each of rows rows of width cols by the row's root
// mean square and scales by the per-feature weight (spec §4.E).
func (d *Dispatcher) RMSNorm(x []float32, rows, cols int, weight []float32, eps float32) ([]float32, error) {
	if _, err := d.compile(OpRMSNorm, VariantStandard); err != nil {
		return nil, err
	}
	if len(weight) != cols {
		return nil, errs.Newf(errs.KernelUnavailable, "rmsnorm: weight has %d elements, want %d", len(weight), cols)
	}
	out := make([]float32, len(x))
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		var sumSq float64
		for _, v := range row {
			sumSq += float64(v) * float64(v)
		}
		rms := float32(math.Sqrt(sumSq/float64(cols) + float64(eps)))
		for c := 0; c < cols; c++ {
			out[r*cols+c] = row[c] / rms * weight[c]
		}
	}
	return out, nil
}

// RoPE applies pairwise rotation of (even, odd) element pairs per head,
// computing each pair's cos/sin from position+startOffset and theta.
func (d *Dispatcher) RoPE(x []float32, seqLen, heads, headDim int, startOffset int, theta float64) ([]float32, error) {
	if _, err := d.compile(OpRoPE, VariantStandard); err != nil {
		return nil, err
	}
	out := make([]float32, len(x))
	copy(out, x)
	half := headDim / 2
	for pos := 0; pos < seqLen; pos++ {
		p := float64(pos + startOffset)
		for h := 0; h < heads; h++ {
			base := (pos*heads+h)*headDim
			for i := 0; i < half; i++ {
				freq := 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
				angle := p * freq
				cos, sin := math.Cos(angle), math.Sin(angle)
				x0 := float64(x[base+2*i])
				x1 := float64(x[base+2*i+1])
				out[base+2*i] = float32(x0*cos - x1*sin)
				out[base+2*i+1] = float32(x0*sin + x1*cos)
			}
		}
	}
	return out, nil
}

// SiLU computes out[i] = gate[i] * sigmoid(gate[i]) * up[i] (spec §4.E's
// silu-gated dispatch shape).
func (d *Dispatcher) SiLU(gate, up []float32) ([]float32, error) {
	if _, err := d.compile(OpSiLU, VariantStandard); err != nil {
		return nil, err
	}
	if len(gate) != len(up) {
		return nil, errs.Newf(errs.KernelUnavailable, "silu: gate/up length mismatch %d/%d", len(gate), len(up))
	}
	out := make([]float32, len(gate))
	for i, g := range gate {
		sigmoid := 1.0 / (1.0 + math.Exp(-float64(g)))
		out[i] = float32(float64(g)*sigmoid) * up[i]
	}
	return out, nil
}

// Softmax applies row-wise softmax over a [rows, cols] buffer.
func (d *Dispatcher) Softmax(x []float32, rows, cols int) ([]float32, error) {
	if _, err := d.compile(OpSoftmax, VariantStandard); err != nil {
		return nil, err
	}
	out := make([]float32, len(x))
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		max := row[0]
		for _, v := range row {
			if v > max {
				max = v
			}
		}
		var sum float64
		tmp := make([]float64, cols)
		for c, v := range row {
			e := math.Exp(float64(v - max))
			tmp[c] = e
			sum += e
		}
		for c := 0; c < cols; c++ {
			out[r*cols+c] = float32(tmp[c] / sum)
		}
	}
	return out, nil
}

// DequantQ4K decodes a Q4_K-packed tensor to float32, dispatched through
// the same compile-once-cache-per-variant path as every other op.
func (d *Dispatcher) DequantQ4K(data []byte, n int, variant Variant) ([]float32, error) {
	if _, err := d.compile(OpDequantQ4K, variant); err != nil {
		return nil, err
	}
	return quant.DequantizeQ4K(data, n), nil
}

func toFloat64(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}
