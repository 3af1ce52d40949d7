package quant

// Q4_K packs 256 elements into a 144-byte super-block: a pair of F16
// scales (the quantized-scale scale `d` and quantized-min scale `dmin`),
// 12 bytes of packed 6-bit per-32-element sub-scales and sub-mins, and
// 128 bytes of 4-bit quantized values. This is the block_q4_K layout from
// llama.cpp's ggml-quants.c, named in spec §9 as the canonical resolution
// of the Q4_K packing open question.
// © 2025 moe-engine authors. MIT License.
const (
	Q4KBlockElements = 256
	Q4KBlockBytes    = 144
)

// BytesForQ4K returns the encoded byte length for a tensor holding n
// elements, matching the loader's tensor-location length invariant
// (length = ceil(elements/256) * 144 for Q4_K).
func BytesForQ4K(n int) int {
	blocks := (n + Q4KBlockElements - 1) / Q4KBlockElements
	return blocks * Q4KBlockBytes
}

// scaleMin unpacks the 6-bit sub-scale and sub-min for sub-block j (0..7)
// from the 12-byte packed scales array, per llama.cpp's
// get_scale_min_k4.
func scaleMin(j int, q []byte) (sc, m uint8) {
	if j < 4 {
		sc = q[j] & 63
		m = q[j+4] & 63
		return
	}
	sc = (q[j+4] & 0x0F) | ((q[j-4] >> 6) << 4)
	m = (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return
}

// DequantizeQ4K decodes data (a sequence of 144-byte blocks) into n
// float32 elements.
func DequantizeQ4K(data []byte, n int) []float32 {
	out := make([]float32, 0, n)
	nb := (n + Q4KBlockElements - 1) / Q4KBlockElements

	for i := 0; i < nb; i++ {
		block := data[i*Q4KBlockBytes : (i+1)*Q4KBlockBytes]
		d := F16ToF32(uint16(block[0]) | uint16(block[1])<<8)
		dmin := F16ToF32(uint16(block[2]) | uint16(block[3])<<8)
		scales := block[4:16]
		q := block[16:144]

		is := 0
		qOff := 0
		for j := 0; j < Q4KBlockElements; j += 64 {
			sc1, m1 := scaleMin(is+0, scales)
			sc2, m2 := scaleMin(is+1, scales)
			d1 := d * float32(sc1)
			mm1 := dmin * float32(m1)
			d2 := d * float32(sc2)
			mm2 := dmin * float32(m2)

			for l := 0; l < 32; l++ {
				out = append(out, d1*float32(q[qOff+l]&0x0F)-mm1)
			}
			for l := 0; l < 32; l++ {
				out = append(out, d2*float32(q[qOff+l]>>4)-mm2)
			}
			qOff += 32
			is += 2
		}
	}

	if len(out) > n {
		out = out[:n]
	}
	return out
}
