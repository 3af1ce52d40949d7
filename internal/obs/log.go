package obs

// © 2025 moe-engine authors. MIT License.

import "go.uber.org/zap"

// NewLogger returns l if non-nil, otherwise a no-op logger. Mirrors the
// teacher's WithLogger default-to-zap.NewNop() behavior.
func NewLogger(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return zap.NewNop()
}
