// Package manifest parses and validates the model descriptor (spec §3,
// §4.C): architecture, optional MoE block, quantization tag, shard table,
// and the logical-name -> tensor-location map.
//
// Validation follows the same validate-then-derive shape as the teacher's
// pkg/config.go:applyOptions (apply inputs, check invariants, compute
// derived fields), adapted from a functional-options object to a decoded
// JSON document. JSON decoding uses jsoniter instead of encoding/json,
// grounded on rockstar-0000-aistore/go.mod depending on the same library
// for the same "drop-in, faster" reason.
// © 2025 moe-engine authors. MIT License.
package manifest

import (
	"github.com/moerun/moe-engine/pkg/errs"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SupportedFormatVersion is the highest manifest schema version this
// engine understands; manifests declaring a higher version are rejected.
const SupportedFormatVersion = 1

// Dtype enumerates the supported tensor element types (spec §1 non-goals:
// nothing beyond these three).
type Dtype string

const (
	F32  Dtype = "F32"
	F16  Dtype = "F16"
	Q4K  Dtype = "Q4_K"
)

// Architecture describes the transformer's static shape.
type Architecture struct {
	Layers           int      `json:"layers"`
	HiddenSize       int      `json:"hiddenSize"`
	IntermediateSize int      `json:"intermediateSize"`
	QueryHeads       int      `json:"queryHeads"`
	KVHeads          int      `json:"kvHeads,omitempty"`
	HeadDim          int      `json:"headDim,omitempty"`
	VocabSize        int      `json:"vocabSize"`
	MaxSeqLen        int      `json:"maxSeqLen"`
	RopeTheta        float64  `json:"ropeTheta"`
	SlidingWindow    *int     `json:"slidingWindow,omitempty"`
}

// MoE describes the optional mixture-of-experts block.
type MoE struct {
	NumExperts    int              `json:"numExperts"`
	TopK          int              `json:"topK"`
	ExpertShardMap map[string][]int `json:"expertShardMap,omitempty"`
}

// ShardRecord describes one content-addressed shard file.
type ShardRecord struct {
	Index      int    `json:"index"`
	Filename   string `json:"filename"`
	ByteSize   int64  `json:"byteSize"`
	HashHex    string `json:"hash"`
	ByteOffset int64  `json:"byteOffset"`
}

// Span is one (shard, offset, length) slice of a tensor's bytes. A tensor
// location is an ordered list of Spans; single-shard tensors have len==1.
type Span struct {
	ShardIndex int   `json:"shardIndex"`
	Offset     int64 `json:"offset"`
	Length     int64 `json:"length"`
}

// TensorLocation resolves a logical tensor name to its byte spans, shape
// and dtype.
type TensorLocation struct {
	Spans []Span  `json:"spans"`
	Shape []int64 `json:"shape"`
	Dtype Dtype   `json:"dtype"`
}

// Manifest is the fully parsed and validated model descriptor.
type Manifest struct {
	FormatVersion   int                       `json:"formatVersion"`
	ModelID         string                    `json:"modelId"`
	Architecture    Architecture              `json:"architecture"`
	MoE             *MoE                      `json:"moe,omitempty"`
	Quantization    Dtype                     `json:"quantization"`
	Shards          []ShardRecord             `json:"shards"`
	TotalSize       int64                     `json:"totalSize"`
	HashAlgorithm   string                    `json:"hashAlgorithm,omitempty"`
	FullModelHash   string                    `json:"fullModelHash"`
	Tensors         map[string]TensorLocation `json:"tensors"`
}

// Parse decodes and validates a manifest JSON document, returning a
// *errs.Error with Kind ManifestInvalid (carrying every violation found)
// on failure.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Newf(errs.ManifestInvalid, "invalid json: %v", err)
	}
	if reasons := validate(&m); len(reasons) > 0 {
		return nil, errs.WithReasons(errs.ManifestInvalid, reasons)
	}
	applyDefaults(&m)
	return &m, nil
}

func applyDefaults(m *Manifest) {
	if m.Architecture.KVHeads == 0 {
		m.Architecture.KVHeads = m.Architecture.QueryHeads
	}
	if m.Architecture.HeadDim == 0 && m.Architecture.QueryHeads > 0 {
		m.Architecture.HeadDim = m.Architecture.HiddenSize / m.Architecture.QueryHeads
	}
}

// IsMoE reports whether the manifest defines an MoE block at all;
// per-layer MoE-vs-dense decisions are made by the pipeline using the
// expert shard map when present, dense otherwise.
func (m *Manifest) IsMoE() bool { return m.MoE != nil }

// Location resolves a tensor name directly (no alias fallback — that lives
// in internal/tensor, which is the only caller allowed to need aliasing).
func (m *Manifest) Location(name string) (TensorLocation, bool) {
	loc, ok := m.Tensors[name]
	return loc, ok
}
