// Package speculative implements the draft-verify-accept-resample loop of
// spec §4.I: a smaller draft model proposes k tokens, the main model
// verifies them in one forward pass, and accept/reject follows rejection
// sampling so the output distribution matches plain autoregressive
// sampling from the main model. Built directly on internal/sampler and
// internal/kvcache.Clone, no new external dependency.
// © 2025 moe-engine authors. MIT License.
package speculative

import (
	"context"
	"math"

	"github.com/moerun/moe-engine/internal/kvcache"
	"github.com/moerun/moe-engine/internal/obs"
)

// ForwardFn runs one model's forward pass over tokens appended to cache,
// returning the per-position vocabulary distribution (already softmaxed)
// for each new token position.
type ForwardFn func(ctx context.Context, tokens []int, cache *kvcache.Cache) ([][]float64, error)

// Decoder orchestrates speculative decoding between a draft and main
// model.
type Decoder struct {
	draft   ForwardFn
	main    ForwardFn
	k       int
	metrics *obs.Metrics

	accepted int
	drafted  int
}

// New builds a Decoder proposing k draft tokens per step.
func New(draft, main ForwardFn, k int, metrics *obs.Metrics) *Decoder {
	if metrics == nil {
		metrics = obs.New(nil)
	}
	return &Decoder{draft: draft, main: main, k: k, metrics: metrics}
}

// sampleFrom draws a token index from a distribution using u ~ Uniform[0,1).
func sampleFrom(dist []float64, u float64) int {
	var cum float64
	for i, p := range dist {
		cum += p
		if cum >= u {
			return i
		}
	}
	return len(dist) - 1
}

// residual computes r(v) = max(0, p_M(v) - p_D(v)), normalized, per spec
// §4.I step 4.
func residual(pMain, pDraft []float64) []float64 {
	out := make([]float64, len(pMain))
	var sum float64
	for i := range out {
		d := pMain[i] - pDraft[i]
		if d < 0 {
			d = 0
		}
		out[i] = d
		sum += d
	}
	if sum == 0 {
		// Degenerate: main and draft agree everywhere; fall back to main's
		// own distribution so sampling still proceeds.
		copy(out, pMain)
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Step runs one speculative decoding round: draft k tokens into a fresh
// clone of mainCache, verify against mainCache, accept/reject, and return
// the accepted token sequence for this round (length 1..k+1). last is the
// most recently accepted token (the last prompt token on the very first
// round, or the last token this Decoder itself produced thereafter) — it
// seeds the draft sequence so the first draft call never forwards zero
// tokens. Step makes the draft clone itself on every call, so drafting
// never corrupts the main model's state (spec §4.I step 5).
func (d *Decoder) Step(ctx context.Context, last int, mainCache *kvcache.Cache, drawU func() float64) ([]int, error) {
	base := mainCache.CurrentSeqLen()
	draftTokens := []int{last}
	draftDists := make([][]float64, 0, d.k)
	draftCache := mainCache.Clone()

	for i := 0; i < d.k; i++ {
		dists, err := d.draft(ctx, draftTokens, draftCache)
		if err != nil {
			return nil, err
		}
		dist := dists[len(dists)-1]
		tok := sampleFrom(dist, drawU())
		draftTokens = append(draftTokens, tok)
		draftDists = append(draftDists, dist)
		d.drafted++
		d.metrics.SpecDrafted.Inc()
	}

	// draftTokens[0] is the seed, not a draft — verify only the k tokens
	// actually proposed this round.
	drafted := draftTokens[1:]

	mainDists, err := d.main(ctx, drafted, mainCache)
	if err != nil {
		return nil, err
	}

	accepted := make([]int, 0, d.k+1)
	for i, tok := range drafted {
		pMain := mainDists[i][tok]
		pDraft := draftDists[i][tok]
		ratio := 1.0
		if pDraft > 0 {
			ratio = math.Min(1, pMain/pDraft)
		}
		if drawU() <= ratio {
			accepted = append(accepted, tok)
			d.accepted++
			d.metrics.SpecAccepted.Inc()
			continue
		}
		// Reject: the verify pass already wrote KV for all k draft positions,
		// so roll mainCache back to the accepted prefix before resampling —
		// the resampled token's own KV is computed by the caller's next
		// forward step, not here.
		mainCache.Truncate(base + i)
		resampled := sampleFrom(residual(mainDists[i], draftDists[i]), drawU())
		accepted = append(accepted, resampled)
		return accepted, nil
	}

	// All k drafts accepted: sample one extra token from M's distribution
	// at position k+1 (spec §4.I step 4).
	extra := sampleFrom(mainDists[len(mainDists)-1], drawU())
	accepted = append(accepted, extra)
	return accepted, nil
}

// Stats reports cumulative acceptance statistics.
type Stats struct {
	Accepted int
	Drafted  int
}

func (d *Decoder) Stats() Stats { return Stats{Accepted: d.accepted, Drafted: d.drafted} }

// EstimatedSpeedup computes (1 + alpha*k) / (1 + overhead*k), the
// closed-form estimate from spec §4.I.
func EstimatedSpeedup(alpha, overhead float64, k int) float64 {
	return (1 + alpha*float64(k)) / (1 + overhead*float64(k))
}
