// Package tensorcache is the sharded, generation-rotated, CLOCK-Pro-evicted
// cache that backs lazy MoE expert materialization (spec §4.D: "load-expert
// ... lazy; cached by (layer, expert)").
//
// This package is a direct descendant of the teacher's pkg/cache.go +
// internal/clockpro + internal/genring + internal/arena stack, generalized
// from an arbitrary Cache[K,V] into the concrete ExpertKey -> *Entry shape
// this engine needs, and backed by internal/slab instead of the
// experimental `arena` package (see internal/slab's doc comment).
// © 2025 moe-engine authors. MIT License.
package tensorcache

import (
	"sync/atomic"
	"time"

	"github.com/moerun/moe-engine/internal/slab"
)

// generation owns one slab of device-buffer bytes allocated during a time
// window. Rotating the ring frees the whole slab in O(1) once its entries
// have aged out, exactly as the teacher's genring did for cached values.
type generation struct {
	id      uint32
	sl      *slab.Slab // nil once freed
	created time.Time
	bytes   atomic.Int64
}

func newGeneration(id uint32, capBytes int64) *generation {
	return &generation{id: id, sl: slab.New(int(capBytes)), created: time.Now()}
}

func (g *generation) ID() uint32       { return g.id }
func (g *generation) Slab() *slab.Slab { return g.sl }
func (g *generation) addBytes(n int64) { g.bytes.Add(n) }
func (g *generation) size() int64      { return g.bytes.Load() }
func (g *generation) free() {
	if g.sl != nil {
		g.sl.Free()
		g.sl = nil
	}
}

const defaultGenerations = 4

// genRing rotates through a fixed number of generations so that evicting
// one generation's worth of expert tensors is an O(1) slab free rather than
// a per-entry deallocation.
type genRing struct {
	gens        []*generation
	activeIdx   int
	perGenBytes int64
	idCtr       atomic.Uint32
}

func newGenRing(capBytes int64) *genRing {
	perGen := capBytes / defaultGenerations
	if perGen <= 0 {
		perGen = capBytes
	}
	r := &genRing{gens: make([]*generation, defaultGenerations), perGenBytes: perGen}
	r.idCtr.Store(1)
	r.gens[0] = newGeneration(r.idCtr.Load(), perGen)
	return r
}

func (r *genRing) active() *generation { return r.gens[r.activeIdx] }

func (r *genRing) checkRotationNeeded(delta int64) bool {
	g := r.active()
	g.addBytes(delta)
	return g.size() > r.perGenBytes
}

// rotate advances to a fresh generation, freeing whichever generation
// previously occupied the new slot, and returns that freed generation so
// the eviction policy can mark its entries as ghosts.
func (r *genRing) rotate() *generation {
	next := (r.activeIdx + 1) % len(r.gens)
	dead := r.gens[next]
	if dead != nil {
		dead.free()
	}
	id := r.idCtr.Add(1)
	r.gens[next] = newGeneration(id, r.perGenBytes)
	r.activeIdx = next
	return dead
}

func (r *genRing) liveBytes() int64 {
	var total int64
	for _, g := range r.gens {
		if g != nil {
			total += g.size()
		}
	}
	return total
}
