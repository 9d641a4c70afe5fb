// Package engine defines the Engine Adaptor: a capability set over a
// hypervisor back-end rather than a class hierarchy, so that KVM (Linux) and
// Hypervisor.framework (macOS arm64) can sit behind the same interface.
package engine

import "github.com/suryatmodulus/boxlite/internal/engine/enginetypes"

// These are aliases, not redeclarations: the underlying types live in
// enginetypes so that back-ends (e.g. internal/engine/kvm) can depend on
// them without importing package engine and creating an import cycle.
type (
	ExitReason = enginetypes.ExitReason
	DataDisk   = enginetypes.DataDisk
	NetDevice  = enginetypes.NetDevice
	VMSpec     = enginetypes.VMSpec
	Handle     = enginetypes.Handle
	Adaptor    = enginetypes.Adaptor
)

const (
	ExitClean    = enginetypes.ExitClean
	ExitKilled   = enginetypes.ExitKilled
	ExitCrashed  = enginetypes.ExitCrashed
	ExitTimedOut = enginetypes.ExitTimedOut
)
