package tensor

// © 2025 moe-engine authors. MIT License.

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moerun/moe-engine/internal/manifest"
	"github.com/moerun/moe-engine/internal/shardstore"
	"github.com/moerun/moe-engine/internal/tensorcache"
	"github.com/moerun/moe-engine/pkg/errs"
)

func f32Bytes(vals ...float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func newTestManifestAndStore(t *testing.T, tensors map[string][]float32) (*manifest.Manifest, *shardstore.Store) {
	t.Helper()
	store, err := shardstore.Open(t.TempDir(), shardstore.WithHashAlgorithm("sha256"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := &manifest.Manifest{
		ModelID:      "test-model",
		Quantization: manifest.F32,
		Tensors:      map[string]manifest.TensorLocation{},
	}

	var offset int64
	var allBytes []byte
	shardIdx := 0
	for name, vals := range tensors {
		b := f32Bytes(vals...)
		allBytes = append(allBytes, b...)
		m.Tensors[name] = manifest.TensorLocation{
			Spans: []manifest.Span{{ShardIndex: shardIdx, Offset: offset, Length: int64(len(b))}},
			Shape: []int64{int64(len(vals))},
			Dtype: manifest.F32,
		}
		offset += int64(len(b))
	}
	require.NoError(t, store.Write("test-model", shardIdx, allBytes, shardstore.WriteOptions{}))
	return m, store
}

func TestLoadDirectName(t *testing.T) {
	m, store := newTestManifestAndStore(t, map[string][]float32{
		"layers.0.attention.wq": {1, 2, 3},
	})
	l := New(m, store, nil, nil)
	got, err := l.Load("layers.0.attention.wq")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, got)
}

func TestLoadFallsBackToAlias(t *testing.T) {
	m, store := newTestManifestAndStore(t, map[string][]float32{
		"self_attn.q_proj.weight": {4, 5},
	})
	l := New(m, store, nil, nil)
	got, err := l.Load("attention.wq")
	require.NoError(t, err)
	require.Equal(t, []float32{4, 5}, got)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	m, store := newTestManifestAndStore(t, map[string][]float32{})
	l := New(m, store, nil, nil)
	_, err := l.Load("nonexistent.tensor")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestLoadExpertCachesAcrossCalls(t *testing.T) {
	m, store := newTestManifestAndStore(t, map[string][]float32{
		"layers.0.experts.0.weight": {9, 9, 9},
	})
	cache := tensorcache.New(1<<20, 1)
	t.Cleanup(cache.Close)
	l := New(m, store, nil, cache)

	got1, err := l.LoadExpert(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, []float32{9, 9, 9}, got1)
	require.Equal(t, 1, cache.Len())

	got2, err := l.LoadExpert(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, got1, got2)
}

func TestResolveAliasesReturnsRequestedNameFirst(t *testing.T) {
	aliases := ResolveAliases("attention.wq")
	require.Equal(t, "attention.wq", aliases[0])
	require.Contains(t, aliases, "self_attn.q_proj.weight")
}
