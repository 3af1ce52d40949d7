package speculative

// © 2025 moe-engine authors. MIT License.

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moerun/moe-engine/internal/kvcache"
)

func constDist(vocab int, hot int) []float64 {
	d := make([]float64, vocab)
	d[hot] = 1.0
	return d
}

// When draft and main always agree, every draft token is accepted and one
// extra token is sampled from main.
func TestStepAllAcceptedWhenDistributionsAgree(t *testing.T) {
	cache := kvcache.New(kvcache.Config{Layout: kvcache.Contiguous, Layers: 1, KVHeads: 1, HeadDim: 1, MaxSeqLen: 32})

	draft := func(_ context.Context, tokens []int, _ *kvcache.Cache) ([][]float64, error) {
		return [][]float64{constDist(5, 2)}, nil
	}
	main := func(_ context.Context, tokens []int, _ *kvcache.Cache) ([][]float64, error) {
		out := make([][]float64, len(tokens))
		for i := range out {
			out[i] = constDist(5, 2)
		}
		return out, nil
	}

	d := New(draft, main, 3, nil)
	us := []float64{0.1, 0.1, 0.1, 0.01, 0.01, 0.01, 0.01}
	i := 0
	drawU := func() float64 {
		u := us[i%len(us)]
		i++
		return u
	}

	tokens, err := d.Step(context.Background(), 1, cache, drawU)
	require.NoError(t, err)
	require.Len(t, tokens, 4) // k accepted + 1 extra
	for _, tok := range tokens {
		require.Equal(t, 2, tok)
	}
	require.Equal(t, 3, d.Stats().Drafted)
}

// Step must seed the draft sequence with the last accepted token so the
// very first draft call never forwards an empty token slice — previously
// this panicked on dists[-1] inside the draft ForwardFn.
func TestStepSeedsDraftSequenceWithLastToken(t *testing.T) {
	cache := kvcache.New(kvcache.Config{Layout: kvcache.Contiguous, Layers: 1, KVHeads: 1, HeadDim: 1, MaxSeqLen: 32})

	var sawEmptyTokens bool
	var firstCallTokens []int
	first := true
	draft := func(_ context.Context, tokens []int, _ *kvcache.Cache) ([][]float64, error) {
		if len(tokens) == 0 {
			sawEmptyTokens = true
			return nil, nil
		}
		if first {
			firstCallTokens = append([]int(nil), tokens...)
			first = false
		}
		out := make([][]float64, len(tokens))
		for i := range out {
			out[i] = constDist(5, 2)
		}
		return out, nil
	}
	main := func(_ context.Context, tokens []int, _ *kvcache.Cache) ([][]float64, error) {
		out := make([][]float64, len(tokens))
		for i := range out {
			out[i] = constDist(5, 2)
		}
		return out, nil
	}

	d := New(draft, main, 2, nil)
	drawU := func() float64 { return 0.01 }

	_, err := d.Step(context.Background(), 7, cache, drawU)
	require.NoError(t, err)
	require.False(t, sawEmptyTokens, "draft ForwardFn must never see an empty token slice")
	require.Equal(t, []int{7}, firstCallTokens, "first draft call must be seeded with the seed token, not the empty slice")
}

func TestStepRejectsAndResamples(t *testing.T) {
	cache := kvcache.New(kvcache.Config{Layout: kvcache.Contiguous, Layers: 1, KVHeads: 1, HeadDim: 1, MaxSeqLen: 32})

	draft := func(_ context.Context, tokens []int, _ *kvcache.Cache) ([][]float64, error) {
		return [][]float64{constDist(3, 0)}, nil
	}
	// Main strongly disagrees, putting all mass on token 1 instead of 0.
	main := func(_ context.Context, tokens []int, _ *kvcache.Cache) ([][]float64, error) {
		out := make([][]float64, len(tokens))
		for i := range out {
			out[i] = constDist(3, 1)
		}
		return out, nil
	}

	d := New(draft, main, 2, nil)
	// u draws: the two draft samples (0.5, 0.99) both pick token 0 (u
	// doesn't matter since the draft dist is degenerate), then the first
	// acceptance draw (0.5) forces rejection (u > ratio, ratio =
	// pMain(0)/pDraft(0) = 0), then the resample draw (0.5, wrapped around)
	// picks from the residual (which is entirely on token 1).
	us := []float64{0.5, 0.99, 0.5}
	i := 0
	drawU := func() float64 {
		u := us[i%len(us)]
		i++
		return u
	}

	tokens, err := d.Step(context.Background(), 0, cache, drawU)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.Equal(t, 1, tokens[0])
}

func TestEstimatedSpeedup(t *testing.T) {
	got := EstimatedSpeedup(0.8, 0.1, 4)
	require.InDelta(t, (1+0.8*4)/(1+0.1*4), got, 1e-9)
}
