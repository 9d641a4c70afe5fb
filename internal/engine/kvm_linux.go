//go:build linux

package engine

import (
	"log/slog"

	"github.com/suryatmodulus/boxlite/internal/engine/kvm"
)

// NewKVMAdaptor wires the Linux KVM-backed Adaptor.
func NewKVMAdaptor(files RuntimeFiles, logger *slog.Logger) (Adaptor, error) {
	return kvm.New(kvm.RuntimeFiles{
		KernelPath: files.KernelPath,
		InitrdPath: files.InitrdPath,
		AgentPath:  files.AgentPath,
	}, logger), nil
}
