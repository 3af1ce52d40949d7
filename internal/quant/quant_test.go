package quant

// © 2025 moe-engine authors. MIT License.

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestF16ToF32KnownValues(t *testing.T) {
	cases := []struct {
		bits uint16
		want float32
	}{
		{0x3C00, 1.0},
		{0xC000, -2.0},
		{0x0000, 0.0},
		{0x8000, float32(math.Copysign(0, -1))},
		{0x4200, 3.0},
	}
	for _, c := range cases {
		got := F16ToF32(c.bits)
		require.InDelta(t, float64(c.want), float64(got), 1e-6)
	}
}

func TestF16ToF32Infinity(t *testing.T) {
	got := F16ToF32(0x7C00)
	require.True(t, math.IsInf(float64(got), 1))
	got = F16ToF32(0xFC00)
	require.True(t, math.IsInf(float64(got), -1))
}

func TestF16ToF32NaN(t *testing.T) {
	got := F16ToF32(0x7E00)
	require.True(t, math.IsNaN(float64(got)))
}

func TestF16ToF32Subnormal(t *testing.T) {
	// Smallest positive subnormal half: 2^-24.
	got := F16ToF32(0x0001)
	want := float32(math.Pow(2, -24))
	require.InDelta(t, float64(want), float64(got), 1e-12)
}

func TestDecodeF16DecodesLittleEndianValues(t *testing.T) {
	data := []byte{0x00, 0x3C, 0x00, 0xC0} // 1.0, -2.0
	got := DecodeF16(data)
	require.Len(t, got, 2)
	require.InDelta(t, 1.0, float64(got[0]), 1e-6)
	require.InDelta(t, -2.0, float64(got[1]), 1e-6)
}

func TestBytesForQ4K(t *testing.T) {
	require.Equal(t, Q4KBlockBytes, BytesForQ4K(1))
	require.Equal(t, Q4KBlockBytes, BytesForQ4K(256))
	require.Equal(t, 2*Q4KBlockBytes, BytesForQ4K(257))
}

func TestDequantizeQ4KZeroBlockIsZero(t *testing.T) {
	block := make([]byte, Q4KBlockBytes)
	out := DequantizeQ4K(block, Q4KBlockElements)
	require.Len(t, out, Q4KBlockElements)
	for _, v := range out {
		require.Equal(t, float32(0), v)
	}
}

func TestDequantizeQ4KUniformScale(t *testing.T) {
	block := make([]byte, Q4KBlockBytes)
	// d = 1.0 (f16), dmin = 0.
	block[0], block[1] = 0x00, 0x3C
	block[2], block[3] = 0x00, 0x00
	// scales[j] & 63 == 1 for j < 4 gives sub-scale 1 for sub-blocks 0..3;
	// leave mins at 0 so output is exactly d1 * nibble.
	for j := 0; j < 4; j++ {
		block[4+j] = 1
	}
	// qs: every nibble pair set to (low=3, high=5) for the first 32 bytes
	// covering sub-blocks 0 and 1.
	for l := 0; l < 32; l++ {
		block[16+l] = byte(3 | (5 << 4))
	}

	out := DequantizeQ4K(block, Q4KBlockElements)
	require.Len(t, out, Q4KBlockElements)
	// First 32 outputs: d1 * 3 with d1 = d * scale(sub-block0).
	require.InDelta(t, 3.0, float64(out[0]), 1e-5)
	// Next 32 outputs: d2 * 5 with d2 = d * scale(sub-block1).
	require.InDelta(t, 5.0, float64(out[32]), 1e-5)
}

func TestDequantizeQ4KTruncatesToRequestedLength(t *testing.T) {
	block := make([]byte, Q4KBlockBytes)
	out := DequantizeQ4K(block, 100)
	require.Len(t, out, 100)
}
