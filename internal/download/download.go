package download

// © 2025 moe-engine authors. MIT License.

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/moerun/moe-engine/internal/manifest"
	"github.com/moerun/moe-engine/internal/obs"
	"github.com/moerun/moe-engine/internal/shardstore"
	"github.com/moerun/moe-engine/pkg/errs"
	"github.com/moerun/moe-engine/pkg/transport"
)

// DefaultConcurrency is the default bounded-parallel shard fetch width
// (spec §5: "downloads proceed with bounded concurrency, default 3").
const DefaultConcurrency = 3

// Progress describes the state of a download. It is reported after each
// shard completes and once more when the whole download succeeds.
type Progress struct {
	ShardsDone  int
	ShardsTotal int
	BytesDone   int64
	BytesTotal  int64
	BytesPerSec float64
}

// ProgressFunc receives Progress updates. Implementations must not block;
// the downloader invokes it synchronously from worker goroutines.
type ProgressFunc func(Progress)

// Downloader orchestrates resumable, bounded-concurrency shard fetches
// into a shardstore.Store, grounded on the bounded-parallel shard load in
// the ggml backend_load.go pack fragment (errgroup.SetLimit over a fixed
// worker count) and extended with Badger-persisted resume state.
type Downloader struct {
	store       *shardstore.Store
	transport   transport.Transport
	states      *StateStore
	concurrency int
	metrics     *obs.Metrics
	log         *zap.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

func WithConcurrency(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(d *Downloader) { d.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Downloader) { d.log = obs.NewLogger(l) }
}

// New builds a Downloader writing into store, fetching via t, and
// checkpointing resume state in the Badger database at states.
func New(store *shardstore.Store, t transport.Transport, states *StateStore, opts ...Option) *Downloader {
	d := &Downloader{
		store:       store,
		transport:   t,
		states:      states,
		concurrency: DefaultConcurrency,
		metrics:     obs.New(nil),
		log:         obs.NewLogger(nil),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Download fetches every shard named in m that is not already present in
// the store, reporting progress via onProgress (may be nil). It resumes
// from previously persisted state, cross-checking the completed-shard set
// against the store since entries may have been evicted out from under a
// stale checkpoint (spec §3: "resume cross-checks against the store").
//
// On context cancellation the in-flight fetches are abandoned and the
// state is checkpointed Paused so a later call resumes cleanly.
func (d *Downloader) Download(ctx context.Context, modelID, baseURL string, m *manifest.Manifest, onProgress ProgressFunc) error {
	state, ok := d.states.Load(modelID)
	if !ok {
		state = &State{BaseURL: baseURL, Completed: map[int]bool{}}
	}
	if state.Completed == nil {
		state.Completed = map[int]bool{}
	}
	state.BaseURL = baseURL
	state.Status = StatusDownloading
	state.LastError = ""

	var (
		mu        sync.Mutex
		bytesDone int64
		lastEmit  time.Time
	)
	bytesTotal := m.TotalSize

	pending := make([]manifest.ShardRecord, 0, len(m.Shards))
	for _, sh := range m.Shards {
		if state.Completed[sh.Index] && d.store.Exists(modelID, sh.Index) {
			bytesDone += sh.ByteSize
			continue
		}
		state.Completed[sh.Index] = false
		pending = append(pending, sh)
	}
	_ = d.states.Save(modelID, state)
	shardsDone := len(m.Shards) - len(pending)

	emit := func() {
		mu.Lock()
		now := time.Now()
		elapsed := now.Sub(lastEmit)
		done := shardsDone
		mu.Unlock()
		if onProgress == nil {
			return
		}
		var bps float64
		if elapsed > 0 {
			bps = float64(bytesDone) / elapsed.Seconds()
		}
		onProgress(Progress{
			ShardsDone:  done,
			ShardsTotal: len(m.Shards),
			BytesDone:   bytesDone,
			BytesTotal:  bytesTotal,
			BytesPerSec: bps,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	var completedMu sync.Mutex

	for _, sh := range pending {
		sh := sh
		g.Go(func() error {
			url := strings.TrimSuffix(baseURL, "/") + "/" + sh.Filename
			data, err := d.transport.FetchRange(gctx, url, 0, sh.ByteSize)
			if err != nil {
				return errs.Newf(errs.TransportFailure, "shard %d fetch: %v", sh.Index, err)
			}
			if err := d.store.Write(modelID, sh.Index, data, shardstore.WriteOptions{
				Verify:   true,
				WantHash: sh.HashHex,
			}); err != nil {
				return err
			}

			completedMu.Lock()
			state.Completed[sh.Index] = true
			saveErr := d.states.Save(modelID, state)
			completedMu.Unlock()
			if saveErr != nil {
				d.log.Warn("download: failed to checkpoint state", zap.Error(saveErr))
			}

			mu.Lock()
			bytesDone += sh.ByteSize
			shardsDone++
			shouldEmit := time.Since(lastEmit) >= time.Second
			if shouldEmit {
				lastEmit = time.Now()
			}
			mu.Unlock()
			d.metrics.DownloadBytes.WithLabelValues(modelID).Add(float64(sh.ByteSize))
			d.metrics.DownloadShardsOK.WithLabelValues(modelID).Inc()
			emit()
			return nil
		})
	}

	waitErr := g.Wait()
	if waitErr != nil {
		if ctx.Err() != nil {
			state.Status = StatusPaused
		} else {
			state.Status = StatusError
			state.LastError = waitErr.Error()
		}
		_ = d.states.Save(modelID, state)
		return waitErr
	}

	state.Status = StatusCompleted
	_ = d.states.Save(modelID, state)
	emit()
	return nil
}

// Resume reports whether modelID has a persisted, non-completed download
// state to continue from.
func (d *Downloader) Resume(modelID string) (*State, bool) {
	st, ok := d.states.Load(modelID)
	if !ok || st.Status == StatusCompleted {
		return nil, false
	}
	return st, true
}

// Forget discards persisted resume state, e.g. after the caller decides to
// restart a download from scratch.
func (d *Downloader) Forget(modelID string) error {
	return d.states.Delete(modelID)
}
