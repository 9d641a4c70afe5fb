// Package enginetypes holds the data types shared between package engine
// and its platform back-ends (e.g. internal/engine/kvm). They live here,
// rather than in package engine, so back-ends can depend on these types
// without creating an import cycle with engine itself; package engine
// re-exports them as type aliases so its public API is unchanged.
package enginetypes

import (
	"context"
	"io"
	"time"
)

// ExitReason describes why a VM stopped running.
type ExitReason string

const (
	ExitClean    ExitReason = "clean"
	ExitKilled   ExitReason = "killed"
	ExitCrashed  ExitReason = "crashed"
	ExitTimedOut ExitReason = "timed_out"
)

// DataDisk is an optional writable QCOW2-backed volume attached alongside
// the read-only rootfs share.
type DataDisk struct {
	Path     string // host path to the qcow2 image
	SizeMB   int
	ReadOnly bool
}

// NetDevice describes the single guest NIC, backed by a host TAP device the
// network backend already created and attached to the bridge. Addressing is
// static: the guest init configures it from these values rather than
// running a DHCP client, since there is no DHCP server on the bridge.
type NetDevice struct {
	TAPDevice  string
	MACAddress string
	IPAddress  string
	Gateway    string
	DNS        string
}

// VMSpec carries everything an Adaptor needs to prepare a box's microVM.
type VMSpec struct {
	BoxID string

	KernelPath string
	InitrdPath string

	// RootfsDir is shared into the guest as a virtiofs mount, not copied;
	// the guest init mounts it read-only as /.
	RootfsDir string

	DataDisk *DataDisk
	Net      *NetDevice

	MemoryMB int
	VCPUs    int

	Env     []string
	Cmdline []string

	// VsockCID is the guest's AF_VSOCK context id, unique per running VM.
	VsockCID uint32
}

// Handle is an opaque reference to a prepared or running VM. Concrete
// Adaptors embed their own bookkeeping behind it; callers only ever hold
// the interface.
type Handle interface {
	ID() string
}

// Adaptor is the trait-like interface every hypervisor back-end implements.
// Prepare never starts guest code; Start does. Wait blocks until the VM
// exits on its own. Shutdown requests a graceful stop with a grace period
// before escalating; Kill is immediate and unconditional.
type Adaptor interface {
	Prepare(ctx context.Context, spec VMSpec) (Handle, error)
	Start(ctx context.Context, h Handle) error
	Wait(ctx context.Context, h Handle) (ExitReason, error)
	Shutdown(ctx context.Context, h Handle, timeout time.Duration) error
	Kill(ctx context.Context, h Handle) error

	// OpenVsock dials the guest agent's well-known Portal port over
	// AF_VSOCK and returns the raw bidirectional stream.
	OpenVsock(ctx context.Context, h Handle, port uint32) (io.ReadWriteCloser, error)

	// PrepareDataDisk ensures a writable QCOW2 data disk exists at path,
	// sized sizeMB. An existing file at path is left untouched and reused,
	// so a box's data disk survives a stop/start cycle bitwise unchanged.
	PrepareDataDisk(ctx context.Context, path string, sizeMB int) (*DataDisk, error)

	// ReleaseDataDisk deletes the data disk at path. A missing file is not
	// an error.
	ReleaseDataDisk(path string) error
}
