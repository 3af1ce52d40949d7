package device

// © 2025 moe-engine authors. MIT License.

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProbeReportsCapability(t *testing.T) {
	d, err := Probe()
	require.NoError(t, err)
	require.True(t, d.Capability().FP16)
	require.True(t, d.Capability().UnifiedMemory)
	require.Greater(t, d.Capability().MaxBufferBytes, int64(0))
}

func TestPoolAcquireReleaseReuses(t *testing.T) {
	p := newPool()

	b1 := p.Acquire(1000, "activation")
	require.Len(t, b1.Bytes, 1000)
	require.Equal(t, 1, p.LiveCount())
	b1.Bytes[0] = 0xAB
	b1.Release()
	require.Equal(t, 0, p.LiveCount())

	b2 := p.Acquire(1000, "activation")
	require.Equal(t, 1, p.LiveCount())
	// Same size class, so the freed backing array is expected to be reused.
	require.Equal(t, byte(0xAB), b2.Bytes[0])
	b2.Release()
}

func TestPoolCheckLeaksReportsUnreleased(t *testing.T) {
	p := newPool()
	_ = p.Acquire(512, "kv-cache")
	err := p.CheckLeaks()
	require.Error(t, err)
}

func TestPoolCheckLeaksCleanWhenAllReleased(t *testing.T) {
	p := newPool()
	b := p.Acquire(512, "kv-cache")
	b.Release()
	require.NoError(t, p.CheckLeaks())
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	p := newPool()
	b := p.Acquire(64, "expert-weight")
	b.Release()
	b.Release()
	require.Equal(t, 0, p.LiveCount())
}
