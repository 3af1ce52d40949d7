package tensorcache

// cache.go is the top-level sharded cache, adapted from the teacher's
// pkg/cache.go. A Cache is split across shards to cut lock contention;
// each shard owns its own index, CLOCK-Pro ring and active generation.
//
// Unlike the teacher's generic Cache[K,V], this cache is fixed to the
// domain it serves: ExpertKey -> []byte (the dequantized or passthrough
// expert tensor bytes, as materialized by internal/tensor). Values are
// copied into the active generation's slab so the cache, not the Go heap,
// owns the backing memory — freeing a generation releases every expert
// tensor that was resident in it without per-entry bookkeeping.
// © 2025 moe-engine authors. MIT License.

import (
	"context"
	"hash/maphash"
	"sync"

	"github.com/moerun/moe-engine/internal/loadgroup"
)

// ExpertKey identifies one MoE expert's weights within one layer.
type ExpertKey struct {
	Layer  int
	Expert int
}

var hashSeed = maphash.MakeSeed()

// Hash returns a stable 64-bit hash of the key for sharding and
// singleflight deduplication.
func (k ExpertKey) Hash() uint64 {
	var h maphash.Hash
	h.SetSeed(hashSeed)
	var buf [16]byte
	putInt(buf[0:8], k.Layer)
	putInt(buf[8:16], k.Expert)
	h.Write(buf[:])
	return h.Sum64()
}

func putInt(b []byte, v int) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

// Entry is the metadata kept per cached expert tensor.
type Entry struct {
	Key    ExpertKey
	Bytes  []byte // slab-owned
	Weight uint32 // bytes, used as CLOCK-Pro weight
	genID  uint32
	state  uint8
}

// LoaderFunc materializes an expert's tensor bytes on a cache miss.
type LoaderFunc func(ctx context.Context, key ExpertKey) ([]byte, error)

type shard struct {
	mu    sync.Mutex // guards index, clock, ring and the slabs behind them
	index map[uint64]*Entry
	clock *clock
	ring  *genRing
	loads *loadgroup.Group[[]byte]
}

func newShard(capBytes int64) *shard {
	s := &shard{
		index: make(map[uint64]*Entry, 64),
		ring:  newGenRing(capBytes),
		loads: loadgroup.New[[]byte](),
	}
	s.clock = newClock(capBytes, s.onEvict)
	return s
}

func (s *shard) onEvict(key ExpertKey, _ evictReason) {
	delete(s.index, key.Hash())
}

func (s *shard) get(key ExpertKey) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.index[key.Hash()]
	if !ok || ent.Key != key || ent.state&stateTest != 0 {
		return nil, false
	}
	setReferenced(&ent.state)
	return ent.Bytes, true
}

func (s *shard) put(key ExpertKey, val []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := key.Hash()
	gen := s.ring.active()
	stored := gen.Slab().Alloc(val)

	if old, ok := s.index[h]; ok && old.Key == key {
		old.Bytes = stored
		old.Weight = uint32(len(stored))
		old.genID = gen.ID()
		return
	}

	ent := &Entry{Key: key, Bytes: stored, Weight: uint32(len(stored)), genID: gen.ID()}
	s.index[h] = ent
	s.clock.Insert(ent)

	if s.ring.checkRotationNeeded(int64(len(stored))) {
		dead := s.ring.rotate()
		if dead != nil {
			s.clock.GenerationEvicted(dead.ID())
		}
	}
}

func (s *shard) getOrLoad(ctx context.Context, key ExpertKey, loader LoaderFunc) ([]byte, error) {
	if val, ok := s.get(key); ok {
		return val, nil
	}
	val, err, _ := s.loads.Do(ctx, key.Hash(), func(ctx context.Context) ([]byte, error) {
		if val, ok := s.get(key); ok {
			return val, nil
		}
		v, err := loader(ctx, key)
		if err != nil {
			return nil, err
		}
		s.put(key, v)
		return v, nil
	})
	return val, err
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Cache is the sharded, lazily-populated expert tensor cache.
type Cache struct {
	shards []*shard
}

// New builds a Cache with the given total byte budget split across
// shardCount shards (shardCount must be a power of two).
func New(capBytes int64, shardCount uint8) *Cache {
	if shardCount == 0 {
		shardCount = 1
	}
	c := &Cache{shards: make([]*shard, shardCount)}
	per := capBytes / int64(shardCount)
	if per <= 0 {
		per = capBytes
	}
	for i := range c.shards {
		c.shards[i] = newShard(per)
	}
	return c
}

func (c *Cache) shardFor(key ExpertKey) *shard {
	return c.shards[key.Hash()%uint64(len(c.shards))]
}

// GetOrLoad returns the cached tensor bytes for key, invoking loader on a
// miss. Concurrent misses for the same key are deduplicated.
func (c *Cache) GetOrLoad(ctx context.Context, key ExpertKey, loader LoaderFunc) ([]byte, error) {
	return c.shardFor(key).getOrLoad(ctx, key, loader)
}

// Len reports the total number of resident entries across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		total += s.len()
	}
	return total
}

// Close releases every shard's slabs.
func (c *Cache) Close() {
	for _, s := range c.shards {
		for _, g := range s.ring.gens {
			if g != nil {
				g.free()
			}
		}
	}
}
