// Package session implements the public API surface of spec §6: the only
// operations external callers see (init-session, download, load, generate,
// unload, destroy-session). It composes every internal package — device,
// shardstore, download, manifest, tensor, kernel, kvcache, moe, sampler,
// speculative, pipeline — the way the teacher's pkg/cache.go is the single
// exported entry point composing shards, CLOCK-Pro, and arenas.
// © 2025 moe-engine authors. MIT License.
package session

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/moerun/moe-engine/internal/device"
	"github.com/moerun/moe-engine/internal/download"
	"github.com/moerun/moe-engine/internal/kernel"
	"github.com/moerun/moe-engine/internal/manifest"
	"github.com/moerun/moe-engine/internal/obs"
	"github.com/moerun/moe-engine/internal/pipeline"
	"github.com/moerun/moe-engine/internal/shardstore"
	"github.com/moerun/moe-engine/internal/speculative"
	"github.com/moerun/moe-engine/internal/tensor"
	"github.com/moerun/moe-engine/internal/tensorcache"
	"github.com/moerun/moe-engine/pkg/errs"
	"github.com/moerun/moe-engine/pkg/tokenizer"
	"github.com/moerun/moe-engine/pkg/transport"
)

// GenerationOptions mirrors spec §6's generate() option bag, captured as an
// explicit record with enumerated fields and defaults rather than an
// open-ended map (spec §9 "dynamic shapes -> static config").
type GenerationOptions struct {
	MaxTokens         int
	Temperature       float32
	TopP              float32
	TopK              int
	RepetitionPenalty float32
	StopSequences     []string
	UseSpeculative    bool
	SpeculativeK      int
	Seed              *uint64
}

// DefaultGenerationOptions returns the spec-mandated defaults (spec §9).
func DefaultGenerationOptions() GenerationOptions {
	return GenerationOptions{
		MaxTokens:         512,
		Temperature:       0.7,
		TopP:              0.9,
		TopK:              40,
		RepetitionPenalty: 1.1,
		StopSequences:     nil,
		UseSpeculative:    false,
		SpeculativeK:      4,
		Seed:              nil,
	}
}

// DownloadOptions configures Session.Download.
type DownloadOptions struct {
	Concurrency int
	OnProgress  download.ProgressFunc
}

// LoadOptions configures Session.Load.
type LoadOptions struct {
	Verify     bool
	OnProgress tensor.ProgressFunc
	Strict     bool
}

// ModelConfig summarizes a loaded model's shape back to the caller.
type ModelConfig struct {
	ModelID      string
	Architecture manifest.Architecture
	IsMoE        bool
}

// Option configures a Session at construction time.
type Option func(*Session)

func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Session) { s.metrics = obs.New(reg) }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = obs.NewLogger(l) }
}

// WithTokenizer plugs in the external tokenizer collaborator (spec §6); a
// Session has no usable Generate without one.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(s *Session) { s.tokenizer = t }
}

// WithHTTPRetries overrides the default transport's retry ceiling.
func WithHTTPRetries(n int) Option {
	return func(s *Session) { s.httpRetries = n }
}

// Session is the engine's single public handle: one device, one set of
// persistent stores, and (once Load succeeds) one active model pipeline.
type Session struct {
	root        string
	dev         device.Device
	store       *shardstore.Store
	states      *download.StateStore
	transport   transport.Transport
	downloader  *download.Downloader
	metrics     *obs.Metrics
	log         *zap.Logger
	tokenizer   tokenizer.Tokenizer
	httpRetries int

	modelID  string
	manifest *manifest.Manifest
	loader   *tensor.Loader
	kernel   *kernel.Dispatcher
	pipe     *pipeline.Pipeline

	draftModelID  string
	draftManifest *manifest.Manifest
	draftLoader   *tensor.Loader
	draftPipe     *pipeline.Pipeline

	generating atomic.Bool
}

// InitSession probes the device and opens the persistent stores rooted at
// root (spec §6 init-session). Fails with DeviceUnavailable or
// StoreUnavailable.
func InitSession(root string, opts ...Option) (*Session, error) {
	s := &Session{
		root:        root,
		metrics:     obs.New(nil),
		log:         obs.NewLogger(nil),
		httpRetries: 3,
	}
	for _, o := range opts {
		o(s)
	}

	dev, err := device.Probe()
	if err != nil {
		return nil, errs.New(errs.DeviceUnavailable, err)
	}
	s.dev = dev

	store, err := shardstore.Open(root, shardstore.WithMetrics(s.metrics), shardstore.WithLogger(s.log))
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, err)
	}
	s.store = store

	states, err := download.OpenStateStore(root)
	if err != nil {
		return nil, errs.New(errs.StoreUnavailable, err)
	}
	s.states = states

	s.transport = transport.NewHTTPTransport(s.httpRetries)
	s.downloader = download.New(s.store, s.transport, s.states, download.WithMetrics(s.metrics), download.WithLogger(s.log))

	return s, nil
}

func sanitizeModelID(modelID string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(modelID)
}

func (s *Session) manifestPath(modelID string) string {
	return filepath.Join(s.root, "models", sanitizeModelID(modelID), "manifest.json")
}

// Download parses manifestBytes, persists it at spec §6's
// {root}/models/{model-id}/manifest.json, and fetches every shard not
// already present in the store (spec §6 download()).
func (s *Session) Download(ctx context.Context, modelID, baseURL string, manifestBytes []byte, opts DownloadOptions) error {
	m, err := manifest.Parse(manifestBytes)
	if err != nil {
		return err
	}
	path := s.manifestPath(modelID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.New(errs.StoreUnavailable, err)
	}
	if err := os.WriteFile(path, manifestBytes, 0o644); err != nil {
		return errs.New(errs.StoreUnavailable, err)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = download.DefaultConcurrency
	}
	d := s.downloader
	if concurrency != download.DefaultConcurrency {
		d = download.New(s.store, s.transport, s.states, download.WithConcurrency(concurrency), download.WithMetrics(s.metrics), download.WithLogger(s.log))
	}
	return d.Download(ctx, modelID, baseURL, m, opts.OnProgress)
}

func (s *Session) readManifest(modelID string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(s.manifestPath(modelID))
	if err != nil {
		return nil, errs.New(errs.NotFound, err)
	}
	return manifest.Parse(data)
}

// Load resolves modelID's persisted manifest, builds the tensor loader and
// kernel dispatcher, warms every layer's weight resolution, and constructs
// the inference pipeline (spec §6 load()).
func (s *Session) Load(ctx context.Context, modelID string, opts LoadOptions) (ModelConfig, error) {
	m, err := s.readManifest(modelID)
	if err != nil {
		return ModelConfig{}, err
	}

	disp := kernel.New(s.dev)
	cache := tensorcache.New(256<<20, 8)
	loader := tensor.New(m, s.store, disp, cache, tensor.WithMetrics(s.metrics), tensor.WithLogger(s.log))

	if err := loader.LoadAllLayers(ctx, opts.OnProgress); err != nil {
		return ModelConfig{}, err
	}

	pipe, err := pipeline.New(m, loader, disp, s.dev, seedOrZero(nil), pipeline.WithMetrics(s.metrics), pipeline.WithLogger(s.log), pipeline.WithStrictMode(opts.Strict))
	if err != nil {
		return ModelConfig{}, err
	}

	s.modelID = modelID
	s.manifest = m
	s.loader = loader
	s.kernel = disp
	s.pipe = pipe

	return ModelConfig{ModelID: modelID, Architecture: m.Architecture, IsMoE: m.IsMoE()}, nil
}

// LoadDraft loads a second, smaller model to use as the speculative
// decoder's draft model (spec §4.I). Must be called after Load.
func (s *Session) LoadDraft(ctx context.Context, modelID string, opts LoadOptions) error {
	m, err := s.readManifest(modelID)
	if err != nil {
		return err
	}
	disp := kernel.New(s.dev)
	cache := tensorcache.New(64<<20, 4)
	loader := tensor.New(m, s.store, disp, cache, tensor.WithMetrics(s.metrics), tensor.WithLogger(s.log))
	if err := loader.LoadAllLayers(ctx, opts.OnProgress); err != nil {
		return err
	}
	pipe, err := pipeline.New(m, loader, disp, s.dev, seedOrZero(nil), pipeline.WithMetrics(s.metrics), pipeline.WithLogger(s.log))
	if err != nil {
		return err
	}
	s.draftModelID = modelID
	s.draftManifest = m
	s.draftLoader = loader
	s.draftPipe = pipe
	return nil
}

func seedOrZero(seed *uint64) uint64 {
	if seed == nil {
		return 0
	}
	return *seed
}

// newDrawU builds a uniform-[0,1) draw closure for the speculative
// decoder's rejection sampling, seeded the same way internal/sampler seeds
// its categorical draws (math/rand/v2, no unseeded global state).
func newDrawU(seed uint64) func() float64 {
	r := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	return r.Float64
}

func hasStopSuffix(text string, stops []string) bool {
	for _, stop := range stops {
		if stop != "" && strings.HasSuffix(text, stop) {
			return true
		}
	}
	return false
}

// Generate streams decoded text fragments for prompt through a channel,
// honoring max-tokens, stop-sequences, and the tokenizer's eos token (spec
// §4.H "Stopping", spec §6 generate()). Only one generation may run at a
// time; a concurrent call fails with GenerationInProgress (spec §5).
func (s *Session) Generate(ctx context.Context, prompt string, opts GenerationOptions) (<-chan string, error) {
	if s.pipe == nil {
		return nil, errs.Newf(errs.NotFound, "session: no model loaded")
	}
	if s.tokenizer == nil {
		return nil, errs.Newf(errs.ManifestInvalid, "session: no tokenizer configured")
	}
	if !s.generating.CompareAndSwap(false, true) {
		return nil, errs.New(errs.GenerationInProgress, nil)
	}

	tokens, err := s.tokenizer.Encode(prompt)
	if err != nil {
		s.generating.Store(false)
		return nil, err
	}

	out := make(chan string, 8)
	go func() {
		defer close(out)
		defer s.generating.Store(false)
		s.runGeneration(ctx, tokens, opts, out)
	}()
	return out, nil
}

func (s *Session) runGeneration(ctx context.Context, tokens []int, opts GenerationOptions, out chan<- string) {
	s.pipe.Reset()
	if err := s.pipe.Prefill(ctx, tokens); err != nil {
		return
	}

	eos := s.tokenizer.SpecialTokens().EOS
	params := pipeline.SampleParams{
		Temperature:       opts.Temperature,
		TopK:              opts.TopK,
		TopP:              opts.TopP,
		RepetitionPenalty: opts.RepetitionPenalty,
	}

	var suffix strings.Builder
	last := tokens[len(tokens)-1]

	emit := func(tok int) bool {
		text, err := s.tokenizer.Decode([]int{tok})
		if err != nil {
			return false
		}
		suffix.WriteString(text)
		select {
		case out <- text:
		case <-ctx.Done():
			return false
		}
		if tok == eos {
			return false
		}
		return !hasStopSuffix(suffix.String(), opts.StopSequences)
	}

	if opts.UseSpeculative && s.draftPipe != nil {
		s.runSpeculativeGeneration(ctx, last, opts, emit)
		return
	}

	for i := 0; i < opts.MaxTokens; i++ {
		if ctx.Err() != nil {
			return
		}
		next, err := s.pipe.DecodeStep(ctx, last, params)
		if err != nil {
			return
		}
		last = next
		if !emit(next) {
			return
		}
	}
}

func (s *Session) runSpeculativeGeneration(ctx context.Context, last int, opts GenerationOptions, emit func(int) bool) {
	k := opts.SpeculativeK
	if k <= 0 {
		k = 4
	}
	drawU := newDrawU(seedOrZero(opts.Seed))
	dec := speculative.New(s.draftPipe.ForwardDistribution, s.pipe.ForwardDistribution, k, s.metrics)
	produced := 0
	for produced < opts.MaxTokens {
		if ctx.Err() != nil {
			return
		}
		round, err := dec.Step(ctx, last, s.pipe.Cache(), drawU)
		if err != nil {
			return
		}
		for _, tok := range round {
			last = tok
			produced++
			if !emit(tok) || produced >= opts.MaxTokens {
				return
			}
		}
	}
}

// Unload releases the active model's resources (expert cache, leak-checks
// the device pool) without tearing down the session's stores (spec §6
// unload()).
func (s *Session) Unload() error {
	if s.loader != nil {
		s.loader.Unload()
	}
	if s.draftLoader != nil {
		s.draftLoader.Unload()
	}
	var err error
	if s.pipe != nil {
		err = s.pipe.CheckLeaks()
	}
	s.manifest, s.loader, s.kernel, s.pipe = nil, nil, nil, nil
	s.draftManifest, s.draftLoader, s.draftPipe = nil, nil, nil
	return err
}

// DestroySession releases every persistent-store handle the session owns
// (spec §6 destroy-session()).
func (s *Session) DestroySession() error {
	_ = s.Unload()
	if s.states != nil {
		_ = s.states.Close()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
