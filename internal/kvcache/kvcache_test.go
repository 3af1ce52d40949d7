package kvcache

// © 2025 moe-engine authors. MIT License.

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moerun/moe-engine/pkg/errs"
)

func vecs(n, vec int, start float32) []float32 {
	out := make([]float32, n*vec)
	for i := range out {
		out[i] = start + float32(i)
	}
	return out
}

func TestContiguousUpdateAndGet(t *testing.T) {
	c := New(Config{Layout: Contiguous, Layers: 1, KVHeads: 1, HeadDim: 2, MaxSeqLen: 8})
	k := vecs(3, 2, 0)
	v := vecs(3, 2, 100)
	require.NoError(t, c.Update(0, k, v, 0))
	require.Equal(t, 3, c.CurrentSeqLen())

	gk, gv, err := c.Get(0, 0, 3)
	require.NoError(t, err)
	require.Equal(t, k, gk)
	require.Equal(t, v, gv)
}

func TestContiguousOverflow(t *testing.T) {
	c := New(Config{Layout: Contiguous, Layers: 1, KVHeads: 1, HeadDim: 1, MaxSeqLen: 4})
	err := c.Update(0, vecs(5, 1, 0), vecs(5, 1, 0), 0)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CacheOverflow))
}

func TestPagedUpdateAcrossPageBoundary(t *testing.T) {
	c := New(Config{Layout: Paged, Layers: 1, KVHeads: 1, HeadDim: 1, MaxSeqLen: 512, PageSize: 4})
	// Write 6 tokens, spanning page 0 (0-3) and page 1 (4-5).
	k := vecs(6, 1, 0)
	v := vecs(6, 1, 100)
	require.NoError(t, c.Update(0, k, v, 0))
	gk, gv, err := c.Get(0, 0, 6)
	require.NoError(t, err)
	require.Equal(t, k, gk)
	require.Equal(t, v, gv)
}

func TestSlidingWindowShiftsOnOverflow(t *testing.T) {
	c := New(Config{Layout: SlidingWindow, Layers: 1, KVHeads: 1, HeadDim: 1, Window: 4})
	// Fill the window exactly.
	require.NoError(t, c.Update(0, vecs(4, 1, 0), vecs(4, 1, 0), 0))
	require.Equal(t, 4, c.CurrentSeqLen())

	// One more token overflows by 1; expect a shift of 1 and seqlen to stay at 4.
	require.NoError(t, c.Update(0, vecs(1, 1, 99), vecs(1, 1, 99), 4))
	require.Equal(t, 4, c.CurrentSeqLen())

	// The oldest token (logical position 0) should have fallen out of the
	// window; positions [1,5) should now be readable.
	gk, _, err := c.Get(0, 1, 5)
	require.NoError(t, err)
	require.Equal(t, float32(99), gk[len(gk)-1])
}

func TestCloneIsIndependentContiguousCopy(t *testing.T) {
	c := New(Config{Layout: Paged, Layers: 1, KVHeads: 1, HeadDim: 1, MaxSeqLen: 16, PageSize: 4})
	require.NoError(t, c.Update(0, vecs(3, 1, 1), vecs(3, 1, 1), 0))

	clone := c.Clone()
	require.Equal(t, c.CurrentSeqLen(), clone.CurrentSeqLen())
	require.Equal(t, Contiguous, clone.cfg.Layout)

	// Mutating the original after clone must not affect the clone.
	require.NoError(t, c.Update(0, vecs(1, 1, 999), vecs(1, 1, 999), 3))
	gk, _, _ := clone.Get(0, 0, 3)
	require.NotContains(t, gk, float32(999))
}

func TestCloneAfterSlidingWindowShiftCopiesRealData(t *testing.T) {
	c := New(Config{Layout: SlidingWindow, Layers: 1, KVHeads: 1, HeadDim: 1, Window: 4})
	require.NoError(t, c.Update(0, vecs(4, 1, 0), vecs(4, 1, 0), 0))
	// Overflow the window by one token, forcing lb.base to advance past 0 —
	// the case that used to make Clone silently copy zeros.
	require.NoError(t, c.Update(0, vecs(1, 1, 99), vecs(1, 1, 99), 4))

	clone := c.Clone()
	require.Equal(t, Contiguous, clone.cfg.Layout)
	require.Equal(t, c.CurrentSeqLen(), clone.CurrentSeqLen())

	gk, gv, err := clone.Get(0, 0, clone.CurrentSeqLen())
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 99}, gk)
	require.Equal(t, []float32{1, 2, 3, 99}, gv)
}

func TestTruncateLowersFillWithoutFreeing(t *testing.T) {
	c := New(Config{Layout: Contiguous, Layers: 1, KVHeads: 1, HeadDim: 1, MaxSeqLen: 8})
	require.NoError(t, c.Update(0, vecs(6, 1, 0), vecs(6, 1, 0), 0))
	c.Truncate(3)
	require.Equal(t, 3, c.CurrentSeqLen())
	_, _, err := c.Get(0, 0, 3)
	require.NoError(t, err)
	_, _, err = c.Get(0, 0, 6)
	require.Error(t, err)
}

func TestClearResetsFills(t *testing.T) {
	c := New(Config{Layout: Paged, Layers: 1, KVHeads: 1, HeadDim: 1, MaxSeqLen: 16, PageSize: 4})
	require.NoError(t, c.Update(0, vecs(3, 1, 0), vecs(3, 1, 0), 0))
	c.Clear()
	require.Equal(t, 0, c.CurrentSeqLen())
}

func TestSelectLayoutThreshold(t *testing.T) {
	require.Equal(t, Contiguous, SelectLayout(1000, 4096))
	require.Equal(t, Paged, SelectLayout(8192, 4096))
}
