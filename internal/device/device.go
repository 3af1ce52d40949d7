// Package device implements the capability probe and buffer pool of
// spec §4.A. No Go-ecosystem library binds a GPU compute API (WebGPU,
// CUDA, Vulkan) from pure Go; the only GPU-touching fragment anywhere in
// the retrieval pack is a cgo wrapper around a C library, which is not a
// wireable Go dependency under "idiomatic Go only". HostDevice is the
// one concrete Device: it reports capabilities by probing the host CPU
// and executes kernels on it, keeping the capability-gated dispatch
// contract in internal/kernel real and testable while leaving the Device
// seam open for a real accelerator backend.
// © 2025 moe-engine authors. MIT License.
package device

import (
	"runtime"

	"github.com/moerun/moe-engine/pkg/errs"
)

// Capability is the probe result exposed to kernel dispatch and loader
// policy (spec §4.A).
type Capability struct {
	FP16           bool
	Subgroups      bool
	SubgroupsFP16  bool
	UnifiedMemory  bool
	MaxBufferBytes int64
}

// Device is the compute backend seam. A real accelerator implementation
// would satisfy this interface alongside HostDevice.
type Device interface {
	Capability() Capability
	Pool() *Pool
	Name() string
}

// HostDevice runs kernels on the calling process's CPU. Capability fields
// are fixed values rather than the result of a feature query, since the
// host always supports IEEE-754 fp16 conversion
// in software and has no subgroup concept; UnifiedMemory is true because
// host memory is, trivially, unified with itself.
type HostDevice struct {
	cap  Capability
	pool *Pool
}

// Probe performs the one-time capability probe spec §4.A describes. It
// cannot fail on a conforming host; a real accelerator backend is where
// DeviceUnavailable would actually surface, which is why the error
// return is kept here despite HostDevice never producing it.
func Probe() (*HostDevice, error) {
	if runtime.NumCPU() < 1 {
		return nil, errs.New(errs.DeviceUnavailable, nil)
	}
	cap := Capability{
		FP16:           true, // software IEEE-754 half-float conversion, always available
		Subgroups:      false,
		SubgroupsFP16:  false,
		UnifiedMemory:  true,
		MaxBufferBytes: hostMaxBuffer(),
	}
	return &HostDevice{cap: cap, pool: newPool()}, nil
}

func hostMaxBuffer() int64 {
	// Conservative per-allocation ceiling; the host has no hardware analogue
	// of a GPU's max-buffer-size limit so this just bounds single tensor
	// shards to something pathological allocations would exceed.
	const fourGiB = int64(4) << 30
	return fourGiB
}

func (d *HostDevice) Capability() Capability { return d.cap }
func (d *HostDevice) Pool() *Pool            { return d.pool }
func (d *HostDevice) Name() string           { return "host/" + runtime.GOARCH }
