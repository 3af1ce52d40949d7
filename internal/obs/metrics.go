// Package obs centralizes the ambient observability stack (metrics +
// logging) shared by every component, adapted from the teacher's
// pkg/metrics.go dual-sink (no-op vs. Prometheus) pattern.
// © 2025 moe-engine authors. MIT License.
package obs

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the sink every component pushes counters/gauges through. A
// nil *prometheus.Registry at construction yields a no-op sink so the hot
// path never pays for metric updates unless the caller opted in, exactly
// as the teacher's WithMetrics option worked.
type Metrics struct {
	reg *prometheus.Registry

	ShardBytesWritten prometheus.Counter
	ShardBytesRead    prometheus.Counter
	IntegrityFailures prometheus.Counter
	DownloadShardsOK  *prometheus.CounterVec // label: model
	DownloadBytes     *prometheus.CounterVec
	TokensGenerated   prometheus.Counter
	CacheHits         *prometheus.CounterVec // label: layout
	CacheMisses       *prometheus.CounterVec
	ExpertUtilization *prometheus.CounterVec // label: layer, expert
	SpecAccepted      prometheus.Counter
	SpecDrafted       prometheus.Counter

	arenaMirror atomic.Int64
}

// New builds a Metrics sink. Pass a nil registry to disable collection.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return noop()
	}
	m := &Metrics{
		reg: reg,
		ShardBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moe_engine", Subsystem: "shardstore", Name: "bytes_written_total",
			Help: "Bytes written to shard files.",
		}),
		ShardBytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moe_engine", Subsystem: "shardstore", Name: "bytes_read_total",
			Help: "Bytes read from shard files.",
		}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moe_engine", Subsystem: "shardstore", Name: "integrity_failures_total",
			Help: "Shard hash mismatches detected on write or verify.",
		}),
		DownloadShardsOK: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moe_engine", Subsystem: "download", Name: "shards_completed_total",
			Help: "Shards successfully fetched and verified.",
		}, []string{"model"}),
		DownloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moe_engine", Subsystem: "download", Name: "bytes_total",
			Help: "Bytes fetched from the transport.",
		}, []string{"model"}),
		TokensGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moe_engine", Subsystem: "pipeline", Name: "tokens_generated_total",
			Help: "Tokens emitted by the decode loop.",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moe_engine", Subsystem: "kvcache", Name: "hits_total",
			Help: "KV cache layout hits.",
		}, []string{"layout"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moe_engine", Subsystem: "kvcache", Name: "misses_total",
			Help: "KV cache layout misses.",
		}, []string{"layout"}),
		ExpertUtilization: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moe_engine", Subsystem: "moe", Name: "expert_selected_total",
			Help: "Per-expert routing selections.",
		}, []string{"layer", "expert"}),
		SpecAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moe_engine", Subsystem: "speculative", Name: "accepted_total",
			Help: "Draft tokens accepted by the verifier.",
		}),
		SpecDrafted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moe_engine", Subsystem: "speculative", Name: "drafted_total",
			Help: "Draft tokens proposed.",
		}),
	}
	reg.MustRegister(
		m.ShardBytesWritten, m.ShardBytesRead, m.IntegrityFailures,
		m.DownloadShardsOK, m.DownloadBytes, m.TokensGenerated,
		m.CacheHits, m.CacheMisses, m.ExpertUtilization,
		m.SpecAccepted, m.SpecDrafted,
	)
	return m
}

func noop() *Metrics {
	return &Metrics{
		ShardBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{Name: "noop"}),
		ShardBytesRead:    prometheus.NewCounter(prometheus.CounterOpts{Name: "noop"}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{Name: "noop"}),
		DownloadShardsOK:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop"}, []string{"model"}),
		DownloadBytes:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop"}, []string{"model"}),
		TokensGenerated:   prometheus.NewCounter(prometheus.CounterOpts{Name: "noop"}),
		CacheHits:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop"}, []string{"layout"}),
		CacheMisses:       prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop"}, []string{"layout"}),
		ExpertUtilization: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop"}, []string{"layer", "expert"}),
		SpecAccepted:      prometheus.NewCounter(prometheus.CounterOpts{Name: "noop"}),
		SpecDrafted:       prometheus.NewCounter(prometheus.CounterOpts{Name: "noop"}),
	}
}
