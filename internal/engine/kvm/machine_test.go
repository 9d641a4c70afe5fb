package kvm

import (
	"testing"

	"github.com/suryatmodulus/boxlite/internal/engine/enginetypes"
)

func TestBuildVMConfigIncludesVsockAndRootfs(t *testing.T) {
	files := RuntimeFiles{KernelPath: "/rt/vmlinux", InitrdPath: "/rt/initrd"}
	spec := enginetypes.VMSpec{
		RootfsDir: "/var/lib/boxlite/boxes/abc/rootfs",
		MemoryMB:  512,
		VCPUs:     2,
		VsockCID:  42,
	}

	cfg := buildVMConfig(files, spec)

	boot := cfg["boot-source"].(map[string]any)
	if boot["kernel_image_path"] != files.KernelPath {
		t.Errorf("unexpected kernel path %v", boot["kernel_image_path"])
	}

	vsockCfg := cfg["vsock"].(map[string]any)
	if vsockCfg["guest_cid"] != uint32(42) {
		t.Errorf("unexpected guest cid %v", vsockCfg["guest_cid"])
	}

	fsDevices := cfg["fs-devices"].([]map[string]any)
	if len(fsDevices) != 1 || fsDevices[0]["shared_dir"] != spec.RootfsDir {
		t.Errorf("unexpected fs-devices %v", fsDevices)
	}

	if _, hasDrives := cfg["drives"]; hasDrives {
		t.Error("expected no drives section without a data disk")
	}
}

func TestBuildVMConfigIncludesDataDisk(t *testing.T) {
	spec := enginetypes.VMSpec{
		DataDisk: &enginetypes.DataDisk{Path: "/var/lib/boxlite/boxes/abc/data.qcow2", SizeMB: 1024},
	}

	cfg := buildVMConfig(RuntimeFiles{}, spec)

	drives := cfg["drives"].([]map[string]any)
	if len(drives) != 1 || drives[0]["path_on_host"] != spec.DataDisk.Path {
		t.Errorf("unexpected drives %v", drives)
	}
}

func TestFirstOrFallsBackWhenEmpty(t *testing.T) {
	if got := firstOr(nil, "/boxlite/init"); got != "/boxlite/init" {
		t.Errorf("expected fallback, got %q", got)
	}
	if got := firstOr([]string{"/custom/init"}, "/boxlite/init"); got != "/custom/init" {
		t.Errorf("expected first element, got %q", got)
	}
}
