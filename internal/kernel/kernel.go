// Package kernel implements the dispatcher of spec §4.E: compiles a
// pipeline once per (operation, variant) pair and caches it for the
// session's lifetime, selecting variants from the device's capability
// record. On HostDevice the "pipeline" is a bound Go closure rather than
// a compiled GPU program, but the compile-once-cache-per-(op,variant)
// contract and the capability-gated variant selection are preserved
// exactly as spec'd so a real accelerator backend could slot in later.
// © 2025 moe-engine authors. MIT License.
package kernel

import (
	"sync"

	"github.com/moerun/moe-engine/internal/device"
	"github.com/moerun/moe-engine/pkg/errs"
)

// Op identifies a compute operation.
type Op string

const (
	OpMatmul     Op = "matmul"
	OpDequantQ4K Op = "dequant-Q4_K"
	OpAttention  Op = "attention"
	OpRMSNorm    Op = "rmsnorm"
	OpRoPE       Op = "rope"
	OpSiLU       Op = "silu"
	OpSoftmax    Op = "softmax"
)

// Variant identifies a specialization of an Op.
type Variant string

const (
	VariantF16Vec4     Variant = "f16_vec4"
	VariantF16         Variant = "f16"
	VariantF32         Variant = "f32"
	VariantSubgroupVec4 Variant = "subgroup_vec4"
	VariantSubgroup    Variant = "subgroup"
	VariantSharedVec4  Variant = "shared_vec4"
	VariantShared      Variant = "shared"
	VariantStandard    Variant = "standard"
)

type pipelineKey struct {
	op      Op
	variant Variant
}

// Dispatcher compiles and caches pipelines keyed by (op, variant),
// gating variant selection on the bound device's capability record.
type Dispatcher struct {
	dev       device.Device
	pipelines sync.Map // pipelineKey -> *pipeline
}

// New builds a Dispatcher bound to dev.
func New(dev device.Device) *Dispatcher {
	return &Dispatcher{dev: dev}
}

// selectVariant picks the default variant for op from the device
// capability (spec §4.E's variant table): matmul uses f16 when FP16 is
// available and f32 otherwise; Q4_K dequant uses subgroup_vec4 when both
// subgroups and subgroup FP16 are available, subgroup with subgroups
// alone, and shared otherwise; every other op uses standard.
func (d *Dispatcher) selectVariant(op Op) (Variant, error) {
	cap := d.dev.Capability()
	switch op {
	case OpMatmul:
		if cap.FP16 {
			return VariantF16, nil
		}
		return VariantF32, nil
	case OpDequantQ4K:
		if cap.Subgroups {
			if cap.SubgroupsFP16 {
				return VariantSubgroupVec4, nil
			}
			return VariantSubgroup, nil
		}
		return VariantShared, nil
	case OpAttention, OpRMSNorm, OpRoPE, OpSiLU, OpSoftmax:
		return VariantStandard, nil
	default:
		return "", errs.Newf(errs.KernelUnavailable, "unknown op %q", op)
	}
}

// pipeline is the compiled, cached unit of work for one (op, variant).
// The dispatcher's per-op methods run the concrete Go function; these
// fields only record what was compiled.
type pipeline struct {
	op      Op
	variant Variant
}

// compile builds (or fetches the cached) pipeline for op, selecting and
// validating the variant against device capability. A required-feature
// mismatch for an explicitly requested variant is a fatal
// KernelUnavailable (spec §4.E).
func (d *Dispatcher) compile(op Op, requested Variant) (*pipeline, error) {
	variant := requested
	if variant == "" {
		v, err := d.selectVariant(op)
		if err != nil {
			return nil, err
		}
		variant = v
	} else if err := d.validateVariant(op, variant); err != nil {
		return nil, err
	}

	key := pipelineKey{op: op, variant: variant}
	if cached, ok := d.pipelines.Load(key); ok {
		return cached.(*pipeline), nil
	}
	p := &pipeline{op: op, variant: variant}
	actual, _ := d.pipelines.LoadOrStore(key, p)
	return actual.(*pipeline), nil
}

// validateVariant rejects a caller-requested variant the bound device
// cannot actually support.
func (d *Dispatcher) validateVariant(op Op, variant Variant) error {
	cap := d.dev.Capability()
	switch variant {
	case VariantF16, VariantF16Vec4:
		if !cap.FP16 {
			return errs.Newf(errs.KernelUnavailable, "%s/%s requires fp16 capability", op, variant)
		}
	case VariantSubgroup, VariantSubgroupVec4:
		if !cap.Subgroups {
			return errs.Newf(errs.KernelUnavailable, "%s/%s requires subgroup capability", op, variant)
		}
	}
	return nil
}

// CacheSize reports the number of distinct (op, variant) pipelines
// compiled so far, mostly useful for tests asserting the compile-once
// contract.
func (d *Dispatcher) CacheSize() int {
	n := 0
	d.pipelines.Range(func(_, _ any) bool { n++; return true })
	return n
}
