//go:build darwin

package engine

import (
	"log/slog"

	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
)

// NewHVFAdaptor would wire the Hypervisor.framework-backed Adaptor on macOS
// arm64. Hypervisor.framework is reached through Cgo bindings with no
// counterpart anywhere in the reference corpus, so it is left unimplemented
// here rather than invented from scratch; callers see the same
// UnsupportedEngine surfacing the spec requires for an unavailable backend.
func NewHVFAdaptor(files RuntimeFiles, logger *slog.Logger) (Adaptor, error) {
	return nil, boxliteerr.New(boxliteerr.UnsupportedEngine, "", "Hypervisor.framework engine is not built into this binary")
}
