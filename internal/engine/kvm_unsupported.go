//go:build !linux

package engine

import (
	"log/slog"

	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
)

// NewKVMAdaptor is unavailable on non-Linux platforms.
func NewKVMAdaptor(files RuntimeFiles, logger *slog.Logger) (Adaptor, error) {
	return nil, boxliteerr.New(boxliteerr.UnsupportedEngine, "", "KVM engine is only available on Linux")
}
