package download

// © 2025 moe-engine authors. MIT License.

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moerun/moe-engine/internal/manifest"
	"github.com/moerun/moe-engine/internal/shardstore"
)

type fakeTransport struct {
	shards  map[string][]byte // filename -> content
	calls   atomic.Int64
	failing map[string]bool
}

func (f *fakeTransport) FetchRange(_ context.Context, url string, offset, length int64) ([]byte, error) {
	f.calls.Add(1)
	for name, data := range f.shards {
		if len(url) >= len(name) && url[len(url)-len(name):] == name {
			if f.failing[name] {
				return nil, errFakeTransport
			}
			return data[offset : offset+length], nil
		}
	}
	return nil, errFakeTransport
}

var errFakeTransport = &fakeError{"fake transport: no such shard"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func buildManifest(shards map[string][]byte) *manifest.Manifest {
	m := &manifest.Manifest{HashAlgorithm: "sha256"}
	var total int64
	i := 0
	for name, data := range shards {
		m.Shards = append(m.Shards, manifest.ShardRecord{
			Index:      i,
			Filename:   name,
			ByteSize:   int64(len(data)),
			HashHex:    hashHex(data),
			ByteOffset: total,
		})
		total += int64(len(data))
		i++
	}
	m.TotalSize = total
	return m
}

func TestDownloadFetchesAllShards(t *testing.T) {
	shards := map[string][]byte{
		"shard_000.bin": []byte("hello world, shard zero"),
		"shard_001.bin": []byte("the second shard's bytes"),
	}
	ft := &fakeTransport{shards: shards}
	m := buildManifest(shards)

	store, err := shardstore.Open(t.TempDir(), shardstore.WithHashAlgorithm("sha256"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	states, err := OpenStateStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { states.Close() })

	d := New(store, ft, states)
	var lastProgress Progress
	err = d.Download(context.Background(), "model-x", "http://example.test/", m, func(p Progress) {
		lastProgress = p
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), ft.calls.Load())
	require.Equal(t, len(shards), lastProgress.ShardsDone)

	for _, sh := range m.Shards {
		require.True(t, store.Exists("model-x", sh.Index))
	}

	st, ok := states.Load("model-x")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, st.Status)
}

func TestDownloadResumeSkipsCompletedShards(t *testing.T) {
	shards := map[string][]byte{
		"shard_000.bin": []byte("already have this one"),
		"shard_001.bin": []byte("need to fetch this one"),
	}
	m := buildManifest(shards)

	store, err := shardstore.Open(t.TempDir(), shardstore.WithHashAlgorithm("sha256"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Pre-populate shard 0 directly in the store, as if a prior run wrote it.
	var zeroIdx int
	for _, sh := range m.Shards {
		if sh.Filename == "shard_000.bin" {
			zeroIdx = sh.Index
		}
	}
	require.NoError(t, store.Write("model-y", zeroIdx, shards["shard_000.bin"], shardstore.WriteOptions{
		Verify:   true,
		WantHash: hashHex(shards["shard_000.bin"]),
	}))

	statesDir := t.TempDir()
	states, err := OpenStateStore(statesDir)
	require.NoError(t, err)
	completed := map[int]bool{zeroIdx: true}
	require.NoError(t, states.Save("model-y", &State{BaseURL: "http://example.test/", Completed: completed, Status: StatusPaused}))
	states.Close()

	states, err = OpenStateStore(statesDir)
	require.NoError(t, err)
	t.Cleanup(func() { states.Close() })

	ft := &fakeTransport{shards: shards}
	d := New(store, ft, states)
	err = d.Download(context.Background(), "model-y", "http://example.test/", m, nil)
	require.NoError(t, err)

	// Only the missing shard should have been fetched over the network.
	require.Equal(t, int64(1), ft.calls.Load())
	for _, sh := range m.Shards {
		require.True(t, store.Exists("model-y", sh.Index))
	}
}

func TestDownloadRecordsErrorStateOnFailure(t *testing.T) {
	shards := map[string][]byte{
		"shard_000.bin": []byte("will fail to fetch"),
	}
	m := buildManifest(shards)
	ft := &fakeTransport{shards: shards, failing: map[string]bool{"shard_000.bin": true}}

	store, err := shardstore.Open(t.TempDir(), shardstore.WithHashAlgorithm("sha256"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	states, err := OpenStateStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { states.Close() })

	d := New(store, ft, states)
	err = d.Download(context.Background(), "model-z", "http://example.test/", m, nil)
	require.Error(t, err)

	st, ok := states.Load("model-z")
	require.True(t, ok)
	require.Equal(t, StatusError, st.Status)
	require.NotEmpty(t, st.LastError)
}
