package kvm

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/suryatmodulus/boxlite/internal/engine/enginetypes"
)

// CreateDataDisk provisions a QCOW2 writable volume for a box by running
// `qemu-img create -f qcow2` directly at path; no sparse file is created
// first and no temp file is renamed into place. On failure any file left at
// path is removed. The engine mounts the rootfs via virtiofs and only needs
// the data disk as a real block device.
func CreateDataDisk(ctx context.Context, path string, sizeMB int) (*enginetypes.DataDisk, error) {
	if sizeMB <= 0 {
		return nil, fmt.Errorf("data disk size must be positive, got %d", sizeMB)
	}

	cmd := exec.CommandContext(ctx, "qemu-img", "create", "-f", "qcow2", path, fmt.Sprintf("%dM", sizeMB))
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("create qcow2 data disk: %w: %s", err, out)
	}

	return &enginetypes.DataDisk{Path: path, SizeMB: sizeMB}, nil
}

// RemoveDataDisk deletes a previously created data disk image.
func RemoveDataDisk(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove data disk %s: %w", path, err)
	}
	return nil
}

// PrepareDataDisk implements engine.Adaptor: an existing disk at path is
// reused as-is (a restart must not touch its contents), otherwise one is
// created fresh.
func (a *Adaptor) PrepareDataDisk(ctx context.Context, path string, sizeMB int) (*enginetypes.DataDisk, error) {
	if _, err := os.Stat(path); err == nil {
		return &enginetypes.DataDisk{Path: path, SizeMB: sizeMB}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat data disk %s: %w", path, err)
	}
	return CreateDataDisk(ctx, path, sizeMB)
}

// ReleaseDataDisk implements engine.Adaptor.
func (a *Adaptor) ReleaseDataDisk(path string) error {
	return RemoveDataDisk(path)
}
