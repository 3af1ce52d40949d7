// Package tensor implements the tensor loader of spec §4.D: logical-name
// resolution with alias fallback, multi-shard span concatenation, dtype
// materialization (F32 direct copy, F16 bit-exact conversion, Q4_K
// dequantization), and lazy per-(layer,expert) caching through
// internal/tensorcache.
// © 2025 moe-engine authors. MIT License.
package tensor

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/moerun/moe-engine/internal/kernel"
	"github.com/moerun/moe-engine/internal/manifest"
	"github.com/moerun/moe-engine/internal/obs"
	"github.com/moerun/moe-engine/internal/quant"
	"github.com/moerun/moe-engine/internal/shardstore"
	"github.com/moerun/moe-engine/internal/tensorcache"
	"github.com/moerun/moe-engine/pkg/errs"
)

// aliasGroups absorbs upstream tensor-naming variance (spec §4.D). Each
// group's first element is the canonical name this loader looks up
// elsewhere; resolution tries the requested name first, then every other
// member of its group in order. Names are matched whole: a layer-prefixed
// name such as "layers.0.attention.wq" matches no group and has no aliases.
var aliasGroups = [][]string{
	{"attention.wq", "self_attn.q_proj.weight"},
	{"attention.wk", "self_attn.k_proj.weight"},
	{"attention.wv", "self_attn.v_proj.weight"},
	{"attention.wo", "self_attn.o_proj.weight"},
	{"attention_norm.weight", "input_layernorm.weight"},
	{"ffn_norm.weight", "post_attention_layernorm.weight"},
	{"feed_forward.w1", "mlp.gate_proj.weight"},
	{"feed_forward.w2", "mlp.down_proj.weight"},
	{"feed_forward.w3", "mlp.up_proj.weight"},
	{"router.gate.weight", "mlp.gate.weight"},
}

// ResolveAliases returns name followed by every known alias for it, pure
// (no I/O) per spec §4.D.
func ResolveAliases(name string) []string {
	candidates := []string{name}
	for _, group := range aliasGroups {
		for _, member := range group {
			if member == name {
				for _, other := range group {
					if other != name {
						candidates = append(candidates, other)
					}
				}
				return candidates
			}
		}
	}
	return candidates
}

// Loader ties the manifest, shard store, quantization, and expert cache
// together into the logical-name -> materialized-float32 contract.
type Loader struct {
	manifest *manifest.Manifest
	store    *shardstore.Store
	kernel   *kernel.Dispatcher
	cache    *tensorcache.Cache
	metrics  *obs.Metrics
	log      *zap.Logger
}

// Option configures a Loader.
type Option func(*Loader)

func WithMetrics(m *obs.Metrics) Option { return func(l *Loader) { l.metrics = m } }
func WithLogger(z *zap.Logger) Option   { return func(l *Loader) { l.log = obs.NewLogger(z) } }

// New builds a Loader. cache may be nil to disable expert-tensor caching.
func New(m *manifest.Manifest, store *shardstore.Store, disp *kernel.Dispatcher, cache *tensorcache.Cache, opts ...Option) *Loader {
	l := &Loader{
		manifest: m,
		store:    store,
		kernel:   disp,
		cache:    cache,
		metrics:  obs.New(nil),
		log:      obs.NewLogger(nil),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// readSpans reads and concatenates every span of loc from the shard store.
func (l *Loader) readSpans(loc manifest.TensorLocation) ([]byte, error) {
	if len(loc.Spans) == 1 {
		s := loc.Spans[0]
		return l.store.ReadRange(l.manifest.ModelID, s.ShardIndex, s.Offset, s.Length)
	}
	var out []byte
	for _, s := range loc.Spans {
		b, err := l.store.ReadRange(l.manifest.ModelID, s.ShardIndex, s.Offset, s.Length)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func numElements(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// materialize decodes raw bytes per loc.Dtype into float32.
func (l *Loader) materialize(loc manifest.TensorLocation, raw []byte) ([]float32, error) {
	n := numElements(loc.Shape)
	switch loc.Dtype {
	case manifest.F32:
		if len(raw) != n*4 {
			return nil, errs.Newf(errs.ManifestInvalid, "tensor: F32 byte length %d, want %d", len(raw), n*4)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			bits := uint32(raw[4*i]) | uint32(raw[4*i+1])<<8 | uint32(raw[4*i+2])<<16 | uint32(raw[4*i+3])<<24
			out[i] = math.Float32frombits(bits)
		}
		return out, nil
	case manifest.F16:
		return quant.DecodeF16(raw), nil
	case manifest.Q4K:
		if l.kernel != nil {
			return l.kernel.DequantQ4K(raw, n, "")
		}
		return quant.DequantizeQ4K(raw, n), nil
	default:
		return nil, errs.Newf(errs.ManifestInvalid, "tensor: unknown dtype %q", loc.Dtype)
	}
}

// Load resolves name (trying aliases on a miss), reads its spans, and
// materializes them to float32.
func (l *Loader) Load(name string) ([]float32, error) {
	var loc manifest.TensorLocation
	var found bool
	for _, candidate := range ResolveAliases(name) {
		if loc, found = l.manifest.Location(candidate); found {
			break
		}
	}
	if !found {
		return nil, errs.Newf(errs.NotFound, "tensor: no location for %q or its aliases", name)
	}
	raw, err := l.readSpans(loc)
	if err != nil {
		return nil, err
	}
	return l.materialize(loc, raw)
}

// LoadExpert loads the expert weight tensor for (layer, expert), caching
// the decoded float32s by that key (spec §4.D "lazy; cached by
// (layer, expert)").
func (l *Loader) LoadExpert(ctx context.Context, layer, expert int) ([]float32, error) {
	name := fmt.Sprintf("layers.%d.experts.%d.weight", layer, expert)
	if l.cache == nil {
		return l.Load(name)
	}
	key := tensorcache.ExpertKey{Layer: layer, Expert: expert}
	raw, err := l.cache.GetOrLoad(ctx, key, func(_ context.Context, _ tensorcache.ExpertKey) ([]byte, error) {
		vals, err := l.Load(name)
		if err != nil {
			return nil, err
		}
		return floatsToBytes(vals), nil
	})
	if err != nil {
		return nil, err
	}
	return bytesToFloats(raw), nil
}

// ProgressFunc reports load-all-layers progress: layersDone out of
// layersTotal.
type ProgressFunc func(layersDone, layersTotal int)

// perLayerTensorNames names that must be resolvable for layer l's forward
// pass, independent of MoE-vs-dense (FFN and MoE router gate weights are
// not listed here; expert weights are loaded lazily via LoadExpert).
func perLayerTensorNames(layer int) []string {
	prefix := fmt.Sprintf("layers.%d.", layer)
	return []string{
		prefix + "attention_norm.weight",
		prefix + "attention.wq",
		prefix + "attention.wk",
		prefix + "attention.wv",
		prefix + "attention.wo",
		prefix + "ffn_norm.weight",
	}
}

// LoadAllLayers iterates layers sequentially, warming the loader's
// resolution path for every per-layer tensor and reporting progress.
// Missing weights are logged and skipped rather than failing the call
// (spec §7's soft-fail forward-progress policy is enforced by the
// pipeline at use time, not here; this just warms resolution/caching).
func (l *Loader) LoadAllLayers(ctx context.Context, progress ProgressFunc) error {
	total := l.manifest.Architecture.Layers
	for layer := 0; layer < total; layer++ {
		for _, name := range perLayerTensorNames(layer) {
			if _, err := l.Load(name); err != nil && !errs.Is(err, errs.NotFound) {
				return err
			} else if err != nil {
				l.log.Warn("tensor: missing weight during load-all-layers", zap.String("name", name), zap.Int("layer", layer))
			}
		}
		if progress != nil {
			progress(layer+1, total)
		}
	}
	return nil
}

// Unload releases the expert cache, clearing cached tensor bytes.
func (l *Loader) Unload() {
	if l.cache != nil {
		l.cache.Close()
	}
}

func floatsToBytes(f []float32) []byte {
	out := make([]byte, len(f)*4)
	for i, v := range f {
		bits := math.Float32bits(v)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}

func bytesToFloats(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
