package tensorcache

// © 2025 moe-engine authors. MIT License.

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrLoadDeduplicatesConcurrentMisses(t *testing.T) {
	c := New(1<<20, 4)
	defer c.Close()

	var calls atomic.Int64
	loader := func(ctx context.Context, key ExpertKey) ([]byte, error) {
		calls.Add(1)
		return []byte{1, 2, 3, byte(key.Expert)}, nil
	}

	key := ExpertKey{Layer: 2, Expert: 5}
	const n = 32
	results := make(chan []byte, n)
	for i := 0; i < n; i++ {
		go func() {
			v, err := c.GetOrLoad(context.Background(), key, loader)
			require.NoError(t, err)
			results <- v
		}()
	}
	for i := 0; i < n; i++ {
		v := <-results
		require.Equal(t, []byte{1, 2, 3, 5}, v)
	}
	require.Equal(t, int64(1), calls.Load())
}

func TestGetOrLoadCachesAfterFirstLoad(t *testing.T) {
	c := New(1<<20, 1)
	defer c.Close()

	var calls int
	loader := func(ctx context.Context, key ExpertKey) ([]byte, error) {
		calls++
		return []byte("expert"), nil
	}

	key := ExpertKey{Layer: 0, Expert: 1}
	for i := 0; i < 5; i++ {
		v, err := c.GetOrLoad(context.Background(), key, loader)
		require.NoError(t, err)
		require.Equal(t, []byte("expert"), v)
	}
	require.Equal(t, 1, calls)
	require.Equal(t, 1, c.Len())
}

func TestCacheEvictsUnderCapacityPressure(t *testing.T) {
	// Tiny budget forces rotation/eviction quickly.
	c := New(256, 1)
	defer c.Close()

	loader := func(ctx context.Context, key ExpertKey) ([]byte, error) {
		return make([]byte, 64), nil
	}
	for e := 0; e < 32; e++ {
		_, err := c.GetOrLoad(context.Background(), ExpertKey{Layer: 0, Expert: e}, loader)
		require.NoError(t, err)
	}
	// The cache must not grow unbounded; some entries should have been
	// evicted/ghosted by rotation.
	require.Less(t, c.Len(), 32)
}
