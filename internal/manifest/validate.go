package manifest

// © 2025 moe-engine authors. MIT License.

import "fmt"

// validate checks every invariant from spec.md §4.C and returns a list of
// human-readable violations (empty when the manifest is well-formed).
func validate(m *Manifest) []string {
	var reasons []string

	if m.FormatVersion <= 0 || m.FormatVersion > SupportedFormatVersion {
		reasons = append(reasons, fmt.Sprintf("unsupported formatVersion %d (max %d)", m.FormatVersion, SupportedFormatVersion))
	}
	if m.ModelID == "" {
		reasons = append(reasons, "missing modelId")
	}

	a := m.Architecture
	if a.Layers <= 0 {
		reasons = append(reasons, "architecture.layers must be > 0")
	}
	if a.HiddenSize <= 0 {
		reasons = append(reasons, "architecture.hiddenSize must be > 0")
	}
	if a.IntermediateSize <= 0 {
		reasons = append(reasons, "architecture.intermediateSize must be > 0")
	}
	if a.QueryHeads <= 0 {
		reasons = append(reasons, "architecture.queryHeads must be > 0")
	}
	if a.VocabSize <= 0 {
		reasons = append(reasons, "architecture.vocabSize must be > 0")
	}
	if a.MaxSeqLen <= 0 {
		reasons = append(reasons, "architecture.maxSeqLen must be > 0")
	}
	if a.KVHeads != 0 && a.QueryHeads != 0 && a.KVHeads > a.QueryHeads {
		reasons = append(reasons, "architecture.kvHeads must not exceed queryHeads")
	}

	switch m.Quantization {
	case F32, F16, Q4K:
	default:
		reasons = append(reasons, fmt.Sprintf("unsupported quantization %q", m.Quantization))
	}

	if m.MoE != nil {
		if m.MoE.NumExperts <= 0 {
			reasons = append(reasons, "moe.numExperts must be > 0")
		}
		if m.MoE.TopK <= 0 {
			reasons = append(reasons, "moe.topK must be > 0")
		}
		if m.MoE.TopK > m.MoE.NumExperts {
			reasons = append(reasons, "moe.topK exceeds numExperts")
		}
	}

	reasons = append(reasons, validateShards(m)...)

	if len(m.FullModelHash) != 64 {
		reasons = append(reasons, fmt.Sprintf("fullModelHash must be 64 hex chars, got %d", len(m.FullModelHash)))
	}

	return reasons
}

func validateShards(m *Manifest) []string {
	var reasons []string

	if len(m.Shards) == 0 {
		reasons = append(reasons, "manifest has no shards")
		return reasons
	}

	var sum int64
	wantOffset := int64(0)
	for i, sh := range m.Shards {
		if sh.Index != i {
			reasons = append(reasons, fmt.Sprintf("shard %d: index field is %d, expected contiguous %d", i, sh.Index, i))
		}
		if sh.ByteOffset != wantOffset {
			reasons = append(reasons, fmt.Sprintf("shard %d: offset discontinuity, got %d want %d", i, sh.ByteOffset, wantOffset))
		}
		if sh.ByteSize <= 0 {
			reasons = append(reasons, fmt.Sprintf("shard %d: byteSize must be > 0", i))
		}
		if len(sh.HashHex) != 64 {
			reasons = append(reasons, fmt.Sprintf("shard %d: hash must be 64 hex chars, got %d", i, len(sh.HashHex)))
		}
		sum += sh.ByteSize
		wantOffset += sh.ByteSize
	}

	if sum != m.TotalSize {
		reasons = append(reasons, fmt.Sprintf("totalSize mismatch: sum(shard.size)=%d declared totalSize=%d", sum, m.TotalSize))
	}

	return reasons
}
