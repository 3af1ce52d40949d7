// Package pipeline implements the prefill/decode orchestration of spec
// §4.H: embedding, per-layer attention with KV cache and rotary position,
// dense-or-MoE feed-forward, and final vocabulary projection. It borrows
// weight buffers from internal/tensor's loader (session lifetime, loader-
// owned) and acquires transient activation buffers from the device's pool
// for the lifetime of a single forward step (spec §5's "weight buffers have
// session lifetime; transient buffers have step lifetime").
// © 2025 moe-engine authors. MIT License.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/moerun/moe-engine/internal/device"
	"github.com/moerun/moe-engine/internal/kernel"
	"github.com/moerun/moe-engine/internal/kvcache"
	"github.com/moerun/moe-engine/internal/manifest"
	"github.com/moerun/moe-engine/internal/moe"
	"github.com/moerun/moe-engine/internal/obs"
	"github.com/moerun/moe-engine/internal/sampler"
	"github.com/moerun/moe-engine/internal/tensor"
	"github.com/moerun/moe-engine/pkg/errs"
)

const (
	rmsNormEps = 1e-5
	// defaultRepetitionWindow is the last-K generated tokens considered by
	// the repetition penalty (spec §4.H step 4, "default K = 100").
	defaultRepetitionWindow = 100
)

// LayerWeights holds one transformer layer's weight tensors. For a dense
// layer W1/W2/W3 are populated and RouterGate is nil; for an MoE layer
// RouterGate is populated, W1/W2/W3 are nil (expert weights are loaded
// lazily per forward step via tensor.Loader.LoadExpert).
type LayerWeights struct {
	AttnNorm, FFNNorm []float32
	Wq, Wk, Wv, Wo    []float32
	W1, W2, W3        []float32
	RouterGate        []float32
	IsMoE             bool
}

// Weights bundles every tensor the pipeline needs for one forward pass,
// resolved once at construction time and owned for the session's lifetime.
type Weights struct {
	Embedding []float32
	Layers    []LayerWeights
	FinalNorm []float32
	Output    []float32
}

// SampleParams carries the per-generate-call sampling knobs the pipeline's
// decode step needs (the remaining spec §6 generate() options — stop
// sequences, max-tokens, use-speculative — are the caller's concern since
// they require the tokenizer, which is out of this package's scope).
type SampleParams struct {
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithMetrics(m *obs.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }
func WithLogger(l *zap.Logger) Option   { return func(p *Pipeline) { p.log = obs.NewLogger(l) } }

// WithStrictMode makes a missing weight tensor (the loader's NotFound
// error) fatal instead of the default soft-fail-and-zero forward-progress policy
// (spec §4.H/§7 names the soft-fail as the default; strict mode is an
// opt-in override for callers that would rather fail loudly during
// development than silently degrade quality).
func WithStrictMode(v bool) Option { return func(p *Pipeline) { p.strict = v } }

// Pipeline owns the KV cache exclusively (spec §5) and borrows weight
// references from the loader for the duration of each forward pass.
type Pipeline struct {
	arch    manifest.Architecture
	loader  *tensor.Loader
	kernel  *kernel.Dispatcher
	dev     device.Device
	cache   *kvcache.Cache
	weights Weights
	routers map[int]*moe.Router
	sampler *sampler.Sampler
	metrics *obs.Metrics
	log     *zap.Logger
	strict  bool

	currentSeqLen int
	generated     []int
	numExperts    int
	expertTopK    int
	interSize     int
	qDim          int
	kvDim         int
	variant       kernel.Variant
}

func isMoELayer(m *manifest.MoE, layer int) bool {
	if m == nil {
		return false
	}
	_, ok := m.ExpertShardMap[fmt.Sprintf("%d", layer)]
	return ok
}

// New resolves every weight tensor the architecture names (soft-failing
// missing ones per spec §7 unless strict mode is set), builds per-MoE-layer
// routers, and allocates a KV cache sized from arch.MaxSeqLen.
func New(m *manifest.Manifest, loader *tensor.Loader, disp *kernel.Dispatcher, dev device.Device, seed uint64, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		arch:    m.Architecture,
		loader:  loader,
		kernel:  disp,
		dev:     dev,
		sampler: sampler.New(seed),
		metrics: obs.New(nil),
		log:     obs.NewLogger(nil),
		routers: make(map[int]*moe.Router),
	}
	for _, o := range opts {
		o(p)
	}

	a := m.Architecture
	p.qDim = a.QueryHeads * a.HeadDim
	p.kvDim = a.KVHeads * a.HeadDim
	p.interSize = a.IntermediateSize
	p.variant = kernel.VariantStandard
	if dev != nil && dev.Capability().FP16 {
		p.variant = kernel.VariantF16
	}

	var err error
	p.weights.Embedding, err = p.loadOrZero("tok_embeddings.weight", a.VocabSize*a.HiddenSize)
	if err != nil {
		return nil, err
	}
	p.weights.FinalNorm, err = p.loadOrZero("norm.weight", a.HiddenSize)
	if err != nil {
		return nil, err
	}
	p.weights.Output, err = p.loadOrZero("output.weight", a.VocabSize*a.HiddenSize)
	if err != nil {
		return nil, err
	}

	p.weights.Layers = make([]LayerWeights, a.Layers)
	for l := 0; l < a.Layers; l++ {
		lw := LayerWeights{IsMoE: isMoELayer(m.MoE, l)}
		prefix := fmt.Sprintf("layers.%d.", l)

		if lw.AttnNorm, err = p.loadOrZero(prefix+"attention_norm.weight", a.HiddenSize); err != nil {
			return nil, err
		}
		if lw.FFNNorm, err = p.loadOrZero(prefix+"ffn_norm.weight", a.HiddenSize); err != nil {
			return nil, err
		}
		if lw.Wq, err = p.loadOrZero(prefix+"attention.wq", p.qDim*a.HiddenSize); err != nil {
			return nil, err
		}
		if lw.Wk, err = p.loadOrZero(prefix+"attention.wk", p.kvDim*a.HiddenSize); err != nil {
			return nil, err
		}
		if lw.Wv, err = p.loadOrZero(prefix+"attention.wv", p.kvDim*a.HiddenSize); err != nil {
			return nil, err
		}
		if lw.Wo, err = p.loadOrZero(prefix+"attention.wo", a.HiddenSize*p.qDim); err != nil {
			return nil, err
		}

		if lw.IsMoE {
			gate, err := p.loadOrZero(prefix+"router.gate.weight", m.MoE.NumExperts*a.HiddenSize)
			if err != nil {
				return nil, err
			}
			lw.RouterGate = gate
			router, err := moe.NewRouter(gate, m.MoE.NumExperts, a.HiddenSize, m.MoE.TopK, moe.WithMetrics(p.metrics), moe.WithRenormalize(true))
			if err != nil {
				return nil, err
			}
			p.routers[l] = router
			p.numExperts = m.MoE.NumExperts
			p.expertTopK = m.MoE.TopK
		} else {
			if lw.W1, err = p.loadOrZero(prefix+"feed_forward.w1", a.IntermediateSize*a.HiddenSize); err != nil {
				return nil, err
			}
			if lw.W2, err = p.loadOrZero(prefix+"feed_forward.w2", a.HiddenSize*a.IntermediateSize); err != nil {
				return nil, err
			}
			if lw.W3, err = p.loadOrZero(prefix+"feed_forward.w3", a.IntermediateSize*a.HiddenSize); err != nil {
				return nil, err
			}
		}
		p.weights.Layers[l] = lw
	}

	layout := kvcache.SelectLayout(a.MaxSeqLen, kvcache.DefaultPageSize*8)
	cfg := kvcache.Config{
		Layout:    layout,
		Layers:    a.Layers,
		KVHeads:   a.KVHeads,
		HeadDim:   a.HeadDim,
		MaxSeqLen: a.MaxSeqLen,
	}
	if a.SlidingWindow != nil {
		cfg.Layout = kvcache.SlidingWindow
		cfg.Window = *a.SlidingWindow
	}
	p.cache = kvcache.New(cfg)

	return p, nil
}

// loadOrZero resolves name through the loader; a NotFound is logged and
// substituted with a zeroed buffer (spec §7's forward-progress policy) to
// never crash generation, unless strict mode demands otherwise.
func (p *Pipeline) loadOrZero(name string, want int) ([]float32, error) {
	vals, err := p.loader.Load(name)
	if err == nil {
		if len(vals) != want {
			return nil, errs.Newf(errs.ManifestInvalid, "pipeline: tensor %q has %d elements, want %d", name, len(vals), want)
		}
		return vals, nil
	}
	if !errs.Is(err, errs.NotFound) {
		return nil, err
	}
	if p.strict {
		return nil, err
	}
	p.log.Warn("pipeline: missing weight tensor, substituting zeros", zap.String("tensor", name))
	return make([]float32, want), nil
}

func addVec(a, b []float32) []float32 {
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

func embedRow(table []float32, hidden, token int) []float32 {
	base := token * hidden
	out := make([]float32, hidden)
	copy(out, table[base:base+hidden])
	return out
}

// forwardLayer runs one transformer layer's forward pass over rows tokens
// of hidden state x, updating cache at startPos (spec §4.H steps 2a-2g /
// decode-step 2). cache is explicit rather than always p.cache so the
// speculative decoder can run this same pipeline's weights against a
// cloned cache for draft rollback isolation (spec §5).
func (p *Pipeline) forwardLayer(ctx context.Context, cache *kvcache.Cache, l int, x []float32, rows, startPos int) ([]float32, error) {
	lw := p.weights.Layers[l]
	a := p.arch

	normed, err := p.kernel.RMSNorm(x, rows, a.HiddenSize, lw.AttnNorm, rmsNormEps)
	if err != nil {
		return nil, err
	}

	if p.dev != nil {
		buf := p.dev.Pool().Acquire(rows*a.HiddenSize*4, "activation:qkv")
		defer buf.Release()
	}

	q, err := p.kernel.Matmul(normed, rows, a.HiddenSize, lw.Wq, p.qDim, p.variant)
	if err != nil {
		return nil, err
	}
	k, err := p.kernel.Matmul(normed, rows, a.HiddenSize, lw.Wk, p.kvDim, p.variant)
	if err != nil {
		return nil, err
	}
	v, err := p.kernel.Matmul(normed, rows, a.HiddenSize, lw.Wv, p.kvDim, p.variant)
	if err != nil {
		return nil, err
	}

	q, err = p.kernel.RoPE(q, rows, a.QueryHeads, a.HeadDim, startPos, a.RopeTheta)
	if err != nil {
		return nil, err
	}
	k, err = p.kernel.RoPE(k, rows, a.KVHeads, a.HeadDim, startPos, a.RopeTheta)
	if err != nil {
		return nil, err
	}

	if err := cache.Update(l, k, v, startPos); err != nil {
		return nil, err
	}
	allK, allV, err := cache.Get(l, 0, startPos+rows)
	if err != nil {
		return nil, err
	}

	attnOut, err := p.kernel.Attention(q, rows, a.QueryHeads, a.HeadDim, allK, allV, startPos+rows, a.KVHeads, startPos)
	if err != nil {
		return nil, err
	}
	proj, err := p.kernel.Matmul(attnOut, rows, p.qDim, lw.Wo, a.HiddenSize, p.variant)
	if err != nil {
		return nil, err
	}
	residual1 := addVec(x, proj)

	normed2, err := p.kernel.RMSNorm(residual1, rows, a.HiddenSize, lw.FFNNorm, rmsNormEps)
	if err != nil {
		return nil, err
	}

	var ffnOut []float32
	if lw.IsMoE {
		ffnOut, err = p.moeForward(ctx, l, normed2, rows)
	} else {
		ffnOut, err = p.denseFFN(lw, normed2, rows)
	}
	if err != nil {
		return nil, err
	}

	return addVec(residual1, ffnOut), nil
}

func (p *Pipeline) denseFFN(lw LayerWeights, x []float32, rows int) ([]float32, error) {
	a := p.arch
	gate, err := p.kernel.Matmul(x, rows, a.HiddenSize, lw.W1, p.interSize, p.variant)
	if err != nil {
		return nil, err
	}
	up, err := p.kernel.Matmul(x, rows, a.HiddenSize, lw.W3, p.interSize, p.variant)
	if err != nil {
		return nil, err
	}
	h, err := p.kernel.SiLU(gate, up)
	if err != nil {
		return nil, err
	}
	return p.kernel.Matmul(h, rows, p.interSize, lw.W2, a.HiddenSize, p.variant)
}

// expertWeights splits one expert's concatenated blob (loader-owned,
// cached by (layer,expert)) into its gate/up/down matrices.
func (p *Pipeline) expertWeights(blob []float32) (w1, w3, w2 []float32) {
	n := p.interSize * p.arch.HiddenSize
	w1 = blob[0:n]
	w3 = blob[n : 2*n]
	w2 = blob[2*n : 3*n]
	return
}

func (p *Pipeline) moeForward(ctx context.Context, l int, x []float32, rows int) ([]float32, error) {
	a := p.arch
	router := p.routers[l]
	sel, err := router.Route(l, x, rows)
	if err != nil {
		return nil, err
	}
	plan := moe.Plan(sel)

	outputs := make(map[int][][]float32, len(plan))
	for expert, entries := range plan {
		blob, err := p.loader.LoadExpert(ctx, l, expert)
		if err != nil {
			if errs.Is(err, errs.NotFound) && !p.strict {
				p.log.Warn("pipeline: missing expert weight, substituting zeros", zap.Int("layer", l), zap.Int("expert", expert))
				blob = make([]float32, 3*p.interSize*a.HiddenSize)
			} else {
				return nil, err
			}
		}
		w1, w3, w2 := p.expertWeights(blob)

		n := len(entries)
		sub := make([]float32, n*a.HiddenSize)
		for i, e := range entries {
			copy(sub[i*a.HiddenSize:(i+1)*a.HiddenSize], x[e.TokenIndex*a.HiddenSize:(e.TokenIndex+1)*a.HiddenSize])
		}
		gate, err := p.kernel.Matmul(sub, n, a.HiddenSize, w1, p.interSize, p.variant)
		if err != nil {
			return nil, err
		}
		up, err := p.kernel.Matmul(sub, n, a.HiddenSize, w3, p.interSize, p.variant)
		if err != nil {
			return nil, err
		}
		h, err := p.kernel.SiLU(gate, up)
		if err != nil {
			return nil, err
		}
		down, err := p.kernel.Matmul(h, n, p.interSize, w2, a.HiddenSize, p.variant)
		if err != nil {
			return nil, err
		}
		rowsOut := make([][]float32, n)
		for i := range rowsOut {
			rowsOut[i] = down[i*a.HiddenSize : (i+1)*a.HiddenSize]
		}
		outputs[expert] = rowsOut
	}

	return moe.Combine(outputs, plan, rows, a.HiddenSize)
}

func (p *Pipeline) forwardTokens(ctx context.Context, cache *kvcache.Cache, tokens []int, startPos int) ([]float32, error) {
	rows := len(tokens)
	x := make([]float32, rows*p.arch.HiddenSize)
	for i, tok := range tokens {
		copy(x[i*p.arch.HiddenSize:(i+1)*p.arch.HiddenSize], embedRow(p.weights.Embedding, p.arch.HiddenSize, tok))
	}
	for l := 0; l < p.arch.Layers; l++ {
		var err error
		x, err = p.forwardLayer(ctx, cache, l, x, rows, startPos)
		if err != nil {
			return nil, err
		}
	}
	normed, err := p.kernel.RMSNorm(x, rows, p.arch.HiddenSize, p.weights.FinalNorm, rmsNormEps)
	if err != nil {
		return nil, err
	}
	return p.kernel.Matmul(normed, rows, p.arch.HiddenSize, p.weights.Output, p.arch.VocabSize, p.variant)
}

// Prefill runs the prompt through every layer once, seeding the KV cache
// at position 0, and sets current-seq-len = len(tokens) (spec §4.H).
func (p *Pipeline) Prefill(ctx context.Context, tokens []int) error {
	if _, err := p.forwardTokens(ctx, p.cache, tokens, 0); err != nil {
		return err
	}
	p.currentSeqLen = len(tokens)
	p.generated = append([]int(nil), tokens...)
	return nil
}

// DecodeStep runs one autoregressive step from lastToken, applies
// repetition penalty and sampling, advances current-seq-len, and returns
// the next token (spec §4.H decode steps 1-6).
func (p *Pipeline) DecodeStep(ctx context.Context, lastToken int, params SampleParams) (int, error) {
	logits, err := p.forwardTokens(ctx, p.cache, []int{lastToken}, p.currentSeqLen)
	if err != nil {
		return 0, err
	}

	window := p.generated
	if len(window) > defaultRepetitionWindow {
		window = window[len(window)-defaultRepetitionWindow:]
	}
	penalty := params.RepetitionPenalty
	if penalty <= 0 {
		penalty = 1.0
	}
	sampler.ApplyRepetitionPenalty(logits, window, penalty)

	next := p.sampler.Sample(logits, params.Temperature, params.TopK, params.TopP)

	p.currentSeqLen++
	p.generated = append(p.generated, next)
	p.metrics.TokensGenerated.Inc()
	return next, nil
}

// ForwardDistribution runs tokens through this pipeline's weights against
// the given cache (not necessarily p.cache — the speculative decoder
// passes a clone) and returns each new position's softmaxed vocabulary
// distribution, matching internal/speculative.ForwardFn's contract. It
// does not touch p.currentSeqLen or p.generated; callers own sequencing.
func (p *Pipeline) ForwardDistribution(ctx context.Context, tokens []int, cache *kvcache.Cache) ([][]float64, error) {
	logits, err := p.forwardTokens(ctx, cache, tokens, cache.CurrentSeqLen())
	if err != nil {
		return nil, err
	}
	probs, err := p.kernel.Softmax(logits, len(tokens), p.arch.VocabSize)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(tokens))
	for i := range out {
		row := probs[i*p.arch.VocabSize : (i+1)*p.arch.VocabSize]
		dist := make([]float64, len(row))
		for j, v := range row {
			dist[j] = float64(v)
		}
		out[i] = dist
	}
	return out, nil
}

// Cache exposes the pipeline's KV cache (e.g. for the speculative decoder
// to clone for draft rollback isolation; spec §5 "speculative decoder
// borrows a clone").
func (p *Pipeline) Cache() *kvcache.Cache { return p.cache }

// CurrentSeqLen reports the number of positions committed to the cache.
func (p *Pipeline) CurrentSeqLen() int { return p.currentSeqLen }

// Reset clears the KV cache and generated-token history for a new
// generation on the same loaded model.
func (p *Pipeline) Reset() {
	p.cache.Clear()
	p.currentSeqLen = 0
	p.generated = nil
}

// CheckLeaks reports any activation buffers never released back to the
// device pool (spec §5's session-end leak-check hook).
func (p *Pipeline) CheckLeaks() error {
	if p.dev == nil {
		return nil
	}
	return p.dev.Pool().CheckLeaks()
}
