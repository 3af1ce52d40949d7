// Package kvcache implements the one parameterized KV cache type of
// spec §4.F, §9: a single Cache type carrying a Layout enum
// (Contiguous, Paged, SlidingWindow) instead of the teacher-adjacent
// source's KVCache/SlidingWindowKVCache/MQAKVCache inheritance hierarchy.
// Grouped-query/multi-query attention is simply kvHeads < queryHeads,
// handled entirely in internal/kernel's Attention head-replication, not a
// distinct cache type — this package only ever stores kvHeads vectors.
// © 2025 moe-engine authors. MIT License.
package kvcache

import (
	"github.com/moerun/moe-engine/pkg/errs"
)

// Layout selects the cache's storage strategy.
type Layout int

const (
	Contiguous Layout = iota
	Paged
	SlidingWindow
)

// DefaultPageSize is the page size P used by the Paged layout (spec §4.F).
const DefaultPageSize = 256

// Config parameterizes a Cache.
type Config struct {
	Layout    Layout
	Layers    int
	KVHeads   int
	HeadDim   int
	MaxSeqLen int
	PageSize  int // Paged only; defaults to DefaultPageSize when 0
	Window    int // SlidingWindow only
}

// SelectLayout implements spec §4.F's construction-time layout choice:
// Contiguous when max-seq-len is at or below threshold, Paged above it.
// Callers that already know they want a sliding window pass
// SlidingWindow directly; this helper only arbitrates the Contiguous-vs-
// Paged decision the architecture's sliding-window field doesn't settle.
func SelectLayout(maxSeqLen, threshold int) Layout {
	if maxSeqLen <= threshold {
		return Contiguous
	}
	return Paged
}

func (c Config) vecSize() int { return c.KVHeads * c.HeadDim }

type layerBuf struct {
	keys, values []float32
	fill         int
	base         int // SlidingWindow: logical position of buffer index 0

	// Paged only: lazily allocated page buffers.
	keyPages, valuePages [][]float32
}

// Cache is the unified KV store for one generation session.
type Cache struct {
	cfg           Config
	layers        []*layerBuf
	currentSeqLen int
}

// New allocates a Cache per cfg.
func New(cfg Config) *Cache {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	c := &Cache{cfg: cfg, layers: make([]*layerBuf, cfg.Layers)}
	vec := cfg.vecSize()
	for i := range c.layers {
		lb := &layerBuf{}
		switch cfg.Layout {
		case Contiguous:
			lb.keys = make([]float32, cfg.MaxSeqLen*vec)
			lb.values = make([]float32, cfg.MaxSeqLen*vec)
		case SlidingWindow:
			lb.keys = make([]float32, cfg.Window*vec)
			lb.values = make([]float32, cfg.Window*vec)
		case Paged:
			numPages := (cfg.MaxSeqLen + cfg.PageSize - 1) / cfg.PageSize
			lb.keyPages = make([][]float32, numPages)
			lb.valuePages = make([][]float32, numPages)
		}
		c.layers[i] = lb
	}
	return c
}

// CurrentSeqLen is the global occupancy after the most recent Update to
// the last layer.
func (c *Cache) CurrentSeqLen() int { return c.currentSeqLen }

func (c *Cache) page(lb *layerBuf, idx int) ([]float32, []float32) {
	vec := c.cfg.vecSize()
	if lb.keyPages[idx] == nil {
		lb.keyPages[idx] = make([]float32, c.cfg.PageSize*vec)
		lb.valuePages[idx] = make([]float32, c.cfg.PageSize*vec)
	}
	return lb.keyPages[idx], lb.valuePages[idx]
}

// Update writes newTokens of KV at startPos for layer (newTokens derived
// from len(keys)/vecSize). Fails with CacheOverflow if the write would
// exceed capacity in a way the layout cannot absorb (spec §4.F).
func (c *Cache) Update(layer int, keys, values []float32, startPos int) error {
	vec := c.cfg.vecSize()
	if vec == 0 || len(keys)%vec != 0 {
		return errs.Newf(errs.CacheOverflow, "kvcache: keys length %d not a multiple of vecSize %d", len(keys), vec)
	}
	newTokens := len(keys) / vec
	lb := c.layers[layer]

	switch c.cfg.Layout {
	case Contiguous:
		if startPos+newTokens > c.cfg.MaxSeqLen {
			return errs.Newf(errs.CacheOverflow, "kvcache: start %d + new %d exceeds max-seq-len %d", startPos, newTokens, c.cfg.MaxSeqLen)
		}
		copy(lb.keys[startPos*vec:(startPos+newTokens)*vec], keys)
		copy(lb.values[startPos*vec:(startPos+newTokens)*vec], values)
		if startPos+newTokens > lb.fill {
			lb.fill = startPos + newTokens
		}

	case SlidingWindow:
		localStart := startPos - lb.base
		localEnd := localStart + newTokens
		if localEnd > c.cfg.Window {
			shift := localEnd - c.cfg.Window
			if shift > lb.fill {
				shift = lb.fill
			}
			if shift > 0 {
				copy(lb.keys, lb.keys[shift*vec:lb.fill*vec])
				copy(lb.values, lb.values[shift*vec:lb.fill*vec])
				lb.fill -= shift
				lb.base += shift
				localStart -= shift
				localEnd -= shift
			}
		}
		if localStart < 0 || localEnd > c.cfg.Window {
			return errs.Newf(errs.CacheOverflow, "kvcache: sliding window cannot absorb start %d + new %d (window %d)", startPos, newTokens, c.cfg.Window)
		}
		copy(lb.keys[localStart*vec:localEnd*vec], keys)
		copy(lb.values[localStart*vec:localEnd*vec], values)
		if localEnd > lb.fill {
			lb.fill = localEnd
		}

	case Paged:
		if startPos+newTokens > c.cfg.MaxSeqLen {
			return errs.Newf(errs.CacheOverflow, "kvcache: start %d + new %d exceeds max-seq-len %d", startPos, newTokens, c.cfg.MaxSeqLen)
		}
		for t := 0; t < newTokens; t++ {
			pos := startPos + t
			pageIdx := pos / c.cfg.PageSize
			off := (pos % c.cfg.PageSize) * vec
			kp, vp := c.page(lb, pageIdx)
			copy(kp[off:off+vec], keys[t*vec:(t+1)*vec])
			copy(vp[off:off+vec], values[t*vec:(t+1)*vec])
		}
		if startPos+newTokens > lb.fill {
			lb.fill = startPos + newTokens
		}
	}

	if layer == c.cfg.Layers-1 {
		c.currentSeqLen = lb.fill
	}
	return nil
}

// Get returns the [start, end) KV slices for layer. Paged reads copy
// across page boundaries into a freshly allocated contiguous buffer;
// Contiguous/SlidingWindow return... a copy as well, to keep the
// contract layout-independent rather than leaking internal aliasing.
func (c *Cache) Get(layer, start, end int) (keys, values []float32, err error) {
	vec := c.cfg.vecSize()
	lb := c.layers[layer]

	switch c.cfg.Layout {
	case Contiguous:
		if end > lb.fill || start < 0 || start > end {
			return nil, nil, errs.Newf(errs.CacheOverflow, "kvcache: get [%d,%d) out of range, fill=%d", start, end, lb.fill)
		}
		keys = append([]float32(nil), lb.keys[start*vec:end*vec]...)
		values = append([]float32(nil), lb.values[start*vec:end*vec]...)

	case SlidingWindow:
		localStart := start - lb.base
		localEnd := end - lb.base
		if localStart < 0 || localEnd > lb.fill || localStart > localEnd {
			return nil, nil, errs.Newf(errs.CacheOverflow, "kvcache: get [%d,%d) out of sliding window range, base=%d fill=%d", start, end, lb.base, lb.fill)
		}
		keys = append([]float32(nil), lb.keys[localStart*vec:localEnd*vec]...)
		values = append([]float32(nil), lb.values[localStart*vec:localEnd*vec]...)

	case Paged:
		if end > lb.fill || start < 0 || start > end {
			return nil, nil, errs.Newf(errs.CacheOverflow, "kvcache: get [%d,%d) out of range, fill=%d", start, end, lb.fill)
		}
		n := end - start
		keys = make([]float32, n*vec)
		values = make([]float32, n*vec)
		for t := 0; t < n; t++ {
			pos := start + t
			pageIdx := pos / c.cfg.PageSize
			off := (pos % c.cfg.PageSize) * vec
			kp, vp := lb.keyPages[pageIdx], lb.valuePages[pageIdx]
			if kp != nil {
				copy(keys[t*vec:(t+1)*vec], kp[off:off+vec])
				copy(values[t*vec:(t+1)*vec], vp[off:off+vec])
			}
		}
	}
	return keys, values, nil
}

// Clone deep-copies the cache into a new, always-Contiguous, CPU-resident
// Cache — used by the speculative decoder to roll back a draft (spec
// §4.F, §4.I).
func (c *Cache) Clone() *Cache {
	cfg := c.cfg
	cfg.Layout = Contiguous
	if cfg.MaxSeqLen < c.cfg.Window {
		cfg.MaxSeqLen = c.cfg.Window
	}
	out := New(cfg)
	for i, lb := range c.layers {
		// Get's range is absolute, but a SlidingWindow layer's valid range
		// is [lb.base, lb.base+lb.fill) once the window has shifted at
		// least once — asking for [0, fill) would undercut lb.base and
		// fail with CacheOverflow, silently discarded here otherwise.
		keys, values, _ := c.Get(i, lb.base, lb.base+lb.fill)
		dst := out.layers[i]
		copy(dst.keys, keys)
		copy(dst.values, values)
		dst.fill = lb.fill
	}
	out.currentSeqLen = c.currentSeqLen
	return out
}

// Truncate lowers every layer's fill (and CurrentSeqLen) to min(fill,
// length). Memory is not freed (spec §4.F).
func (c *Cache) Truncate(length int) {
	for _, lb := range c.layers {
		if lb.fill > length {
			lb.fill = length
		}
	}
	if c.currentSeqLen > length {
		c.currentSeqLen = length
	}
}

// Clear resets fills to 0. Paged page allocations are kept for reuse
// rather than freed (spec §4.F).
func (c *Cache) Clear() {
	for _, lb := range c.layers {
		lb.fill = 0
		lb.base = 0
	}
	c.currentSeqLen = 0
}
