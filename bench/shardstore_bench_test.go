// Package bench provides reproducible micro-benchmarks for the engine's hot
// paths. Run via: go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// shardstore_bench_test.go measures the content-addressed blob store's
// write and random-range-read paths, the two operations the downloader and
// tensor loader call on every shard.
// © 2025 moe-engine authors. MIT License.
package bench

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/moerun/moe-engine/internal/shardstore"
)

const shardSize = 16 << 20 // 16 MiB, a representative single-shard size

func newBenchStore(b *testing.B) *shardstore.Store {
	b.Helper()
	store, err := shardstore.Open(b.TempDir(), shardstore.WithHashAlgorithm("sha256"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { store.Close() })
	return store
}

func BenchmarkShardWrite(b *testing.B) {
	store := newBenchStore(b)
	data := make([]byte, shardSize)
	rand.New(rand.NewSource(42)).Read(data)

	b.SetBytes(shardSize)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		model := fmt.Sprintf("model-%d", i)
		if err := store.Write(model, 0, data, shardstore.WriteOptions{}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkShardReadRange(b *testing.B) {
	store := newBenchStore(b)
	data := make([]byte, shardSize)
	rand.New(rand.NewSource(42)).Read(data)
	if err := store.Write("bench-model", 0, data, shardstore.WriteOptions{}); err != nil {
		b.Fatal(err)
	}

	const rangeLen = 4096
	b.SetBytes(rangeLen)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64((i * rangeLen) % (shardSize - rangeLen))
		if _, err := store.ReadRange("bench-model", 0, offset, rangeLen); err != nil {
			b.Fatal(err)
		}
	}
}
