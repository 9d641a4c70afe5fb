package engine

import (
	"log/slog"
	"runtime"

	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
)

// Select picks the Adaptor for the current platform by GOOS alone: KVM on
// any linux architecture, the Hypervisor.framework adaptor on darwin (which
// currently always returns UnsupportedEngine, see hvf_darwin.go). Any other
// GOOS returns UnsupportedEngine, so unavailability of both backends
// surfaces at runtime construction rather than at first use.
func Select(files RuntimeFiles, logger *slog.Logger) (Adaptor, error) {
	switch runtime.GOOS {
	case "linux":
		return NewKVMAdaptor(files, logger)
	case "darwin":
		return NewHVFAdaptor(files, logger)
	default:
		return nil, boxliteerr.New(boxliteerr.UnsupportedEngine, "", "no engine adaptor for "+runtime.GOOS+"/"+runtime.GOARCH)
	}
}
