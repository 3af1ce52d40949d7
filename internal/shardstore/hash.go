package shardstore

// © 2025 moe-engine authors. MIT License.

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/moerun/moe-engine/pkg/errs"
	"lukechampine.com/blake3"
)

// Hasher computes the store's 256-bit content digest (spec §4.B: "a 256-bit
// cryptographic digest... pluggable, BLAKE3 preferred, SHA-256 acceptable
// fallback").
type Hasher interface {
	Name() string
	Sum(data []byte) [32]byte
}

type blake3Hasher struct{}

func (blake3Hasher) Name() string { return "blake3" }
func (blake3Hasher) Sum(data []byte) [32]byte {
	return blake3.Sum256(data)
}

type sha256Hasher struct{}

func (sha256Hasher) Name() string { return "sha256" }
func (sha256Hasher) Sum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// resolveHasher negotiates the algorithm the store will use. An empty
// requested name means "use the preferred default" (blake3); otherwise the
// name must match exactly one of the algorithms this runtime can provide,
// or the session fails fast with AlgorithmUnavailable (spec §4.B, §7) —
// the design explicitly rejects silently falling back to a weaker
// algorithm than the manifest pins.
func resolveHasher(requested string) (Hasher, error) {
	switch requested {
	case "", "blake3":
		return blake3Hasher{}, nil
	case "sha256":
		return sha256Hasher{}, nil
	default:
		return nil, errs.Newf(errs.AlgorithmUnavailable, "hash algorithm %q not available", requested)
	}
}

func hexSum(h Hasher, data []byte) string {
	sum := h.Sum(data)
	return hex.EncodeToString(sum[:])
}
