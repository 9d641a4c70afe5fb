//go:build !darwin

package engine

import (
	"log/slog"

	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
)

// NewHVFAdaptor is unavailable on non-macOS platforms.
func NewHVFAdaptor(files RuntimeFiles, logger *slog.Logger) (Adaptor, error) {
	return nil, boxliteerr.New(boxliteerr.UnsupportedEngine, "", "Hypervisor.framework engine is only available on macOS")
}
