// manifest-gen is a tiny helper utility to generate a deterministic,
// synthetic model, dense by default or MoE with -experts (manifest.json
// plus a single F32 shard file), for
// local testing of the store/loader/pipeline stack outside go test.
// Adapted from tools/dataset_gen's deterministic-seeded-generation shape:
// same flag style, same "embarrassingly simple but versioned" rationale,
// repointed at manifest.Manifest/tensor layout instead of raw uint64 keys.
//
// Usage:
//
//	go run ./tools/manifest-gen -model tiny -layers 2 -hidden 64 -experts 4 -out ./testdata/tiny
// © 2025 moe-engine authors. MIT License.
package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/moerun/moe-engine/internal/manifest"
)

func main() {
	var (
		modelID    = flag.String("model", "synthetic", "model id")
		layers     = flag.Int("layers", 2, "transformer layers")
		hidden     = flag.Int("hidden", 64, "hidden size")
		inter      = flag.Int("inter", 256, "feed-forward intermediate size")
		qHeads     = flag.Int("qheads", 8, "query heads")
		kvHeads    = flag.Int("kvheads", 8, "kv heads (GQA if < qheads)")
		vocab      = flag.Int("vocab", 1024, "vocabulary size")
		maxSeqLen  = flag.Int("max-seq-len", 2048, "maximum sequence length")
		numExperts = flag.Int("experts", 0, "number of MoE experts (0 = dense model)")
		topK       = flag.Int("topk", 2, "MoE router top-k")
		seedVal    = flag.Int64("seed", 42, "PRNG seed")
		outDir     = flag.String("out", "", "output directory (required)")
	)
	flag.Parse()

	if *outDir == "" {
		fmt.Fprintln(os.Stderr, "manifest-gen: -out is required")
		os.Exit(1)
	}
	if *hidden%*qHeads != 0 {
		fmt.Fprintln(os.Stderr, "manifest-gen: hidden must be divisible by qheads")
		os.Exit(1)
	}

	rnd := rand.New(rand.NewSource(*seedVal))
	headDim := *hidden / *qHeads

	b := newBuilder(rnd)
	b.add("tok_embeddings.weight", []int64{int64(*vocab), int64(*hidden)}, *vocab**hidden)
	b.add("norm.weight", []int64{int64(*hidden)}, *hidden)
	b.add("output.weight", []int64{int64(*vocab), int64(*hidden)}, *vocab**hidden)

	qDim := *qHeads * headDim
	kvDim := *kvHeads * headDim

	expertShardMap := map[string][]int{}
	var moeBlock *manifest.MoE
	if *numExperts > 0 {
		moeBlock = &manifest.MoE{NumExperts: *numExperts, TopK: *topK, ExpertShardMap: expertShardMap}
	}

	for l := 0; l < *layers; l++ {
		prefix := fmt.Sprintf("layers.%d.", l)
		b.add(prefix+"attention_norm.weight", []int64{int64(*hidden)}, *hidden)
		b.add(prefix+"ffn_norm.weight", []int64{int64(*hidden)}, *hidden)
		b.add(prefix+"attention.wq", []int64{int64(qDim), int64(*hidden)}, qDim**hidden)
		b.add(prefix+"attention.wk", []int64{int64(kvDim), int64(*hidden)}, kvDim**hidden)
		b.add(prefix+"attention.wv", []int64{int64(kvDim), int64(*hidden)}, kvDim**hidden)
		b.add(prefix+"attention.wo", []int64{int64(*hidden), int64(qDim)}, *hidden*qDim)

		if *numExperts > 0 && l%2 == 1 {
			// Alternate dense/MoE layers, a common llama-style MoE layout.
			b.add(prefix+"router.gate.weight", []int64{int64(*numExperts), int64(*hidden)}, *numExperts**hidden)
			experts := make([]int, *numExperts)
			for e := 0; e < *numExperts; e++ {
				experts[e] = e
				name := fmt.Sprintf(prefix+"experts.%d.weight", e)
				b.add(name, []int64{3, int64(*inter), int64(*hidden)}, 3**inter**hidden)
			}
			expertShardMap[fmt.Sprintf("%d", l)] = experts
		} else {
			b.add(prefix+"feed_forward.w1", []int64{int64(*inter), int64(*hidden)}, *inter**hidden)
			b.add(prefix+"feed_forward.w2", []int64{int64(*hidden), int64(*inter)}, *hidden**inter)
			b.add(prefix+"feed_forward.w3", []int64{int64(*inter), int64(*hidden)}, *inter**hidden)
		}
	}

	sum := sha256.Sum256(b.bytes)
	m := manifest.Manifest{
		FormatVersion: manifest.SupportedFormatVersion,
		ModelID:       *modelID,
		Quantization:  manifest.F32,
		Architecture: manifest.Architecture{
			Layers:           *layers,
			HiddenSize:       *hidden,
			IntermediateSize: *inter,
			QueryHeads:       *qHeads,
			KVHeads:          *kvHeads,
			HeadDim:          headDim,
			VocabSize:        *vocab,
			MaxSeqLen:        *maxSeqLen,
			RopeTheta:        10000,
		},
		MoE:          moeBlock,
		Shards:       []manifest.ShardRecord{{Index: 0, Filename: "shard-0.bin", ByteSize: int64(len(b.bytes)), HashHex: hex.EncodeToString(sum[:])}},
		TotalSize:    int64(len(b.bytes)),
		HashAlgorithm: "sha256",
		FullModelHash: hex.EncodeToString(sum[:]),
		Tensors:      b.tensors,
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "manifest-gen:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(filepath.Join(*outDir, "shard-0.bin"), b.bytes, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "manifest-gen:", err)
		os.Exit(1)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "manifest-gen:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(filepath.Join(*outDir, "manifest.json"), data, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "manifest-gen:", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (%d bytes) and manifest.json to %s\n", "shard-0.bin", len(b.bytes), *outDir)
}

// builder accumulates named tensors into one contiguous F32 shard buffer,
// filling each with small deterministic random values so downstream
// kernels (softmax, norm, attention) see realistic-magnitude numbers
// instead of all-zero or all-one degenerate cases.
type builder struct {
	rnd     *rand.Rand
	bytes   []byte
	tensors map[string]manifest.TensorLocation
}

func newBuilder(rnd *rand.Rand) *builder {
	return &builder{rnd: rnd, tensors: map[string]manifest.TensorLocation{}}
}

func (b *builder) add(name string, shape []int64, n int) {
	offset := int64(len(b.bytes))
	buf := make([]byte, n*4)
	for i := 0; i < n; i++ {
		v := float32(b.rnd.NormFloat64() * 0.02)
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	b.bytes = append(b.bytes, buf...)
	b.tensors[name] = manifest.TensorLocation{
		Spans: []manifest.Span{{ShardIndex: 0, Offset: offset, Length: int64(len(buf))}},
		Shape: shape,
		Dtype: manifest.F32,
	}
}
