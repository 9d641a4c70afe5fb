// Package kvm implements the Linux KVM-backed Engine Adaptor: one subprocess
// per box, managed through a JSON config file and a control socket, mirroring
// the teacher's Firecracker-machine lifecycle but generalized to the
// vsock-carrying, virtiofs-rootfs VM shape this runtime boots.
package kvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/suryatmodulus/boxlite/internal/engine/enginetypes"
	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
	"github.com/suryatmodulus/boxlite/pkg/utils"
)

const (
	logDir = "/var/lib/boxlite/machines/logs"
	vmDir  = "/var/lib/boxlite/machines"
)

// RuntimeFiles names the kernel, initrd, and guest agent shipped with the
// runtime; internal/engine.RuntimeFiles is translated into this shape so
// this package does not import the parent one for anything but the
// Adaptor/Handle interfaces it implements.
type RuntimeFiles struct {
	KernelPath string
	InitrdPath string
	AgentPath  string
}

// Adaptor is the Linux KVM-backed engine.Adaptor.
type Adaptor struct {
	files  RuntimeFiles
	logger *slog.Logger
}

func New(files RuntimeFiles, logger *slog.Logger) *Adaptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adaptor{files: files, logger: logger}
}

// Machine is the engine.Handle for a single microVM: one child process, its
// config file, control socket, and log file, mirroring the teacher's
// FirecrackerMachine one-VM-per-process-and-directory shape.
type Machine struct {
	id         string
	cmd        *exec.Cmd
	logFile    *os.File
	socketPath string
	configPath string
	dir        string
	spec       enginetypes.VMSpec

	mu       sync.Mutex
	exitErr  error
	exitedCh chan struct{}
}

func (m *Machine) ID() string { return m.id }

func (a *Adaptor) Prepare(ctx context.Context, spec enginetypes.VMSpec) (enginetypes.Handle, error) {
	id, err := utils.NewUUID7()
	if err != nil {
		return nil, fmt.Errorf("generate vm id: %w", err)
	}

	dir := path.Join(vmDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create machine dir: %w", err)
	}

	cfg := buildVMConfig(a.files, spec)
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal vm config: %w", err)
	}

	configPath := filepath.Join(dir, id+".json")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write vm config: %w", err)
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.Create(filepath.Join(logDir, id+".log"))
	if err != nil {
		err = errors.Join(err, os.RemoveAll(dir))
		return nil, fmt.Errorf("create log file: %w", err)
	}

	return &Machine{
		id:         id,
		socketPath: filepath.Join(dir, id+".sock"),
		configPath: configPath,
		logFile:    logFile,
		dir:        dir,
		spec:       spec,
		exitedCh:   make(chan struct{}),
	}, nil
}

func (a *Adaptor) Start(ctx context.Context, h enginetypes.Handle) error {
	m, err := asMachine(h)
	if err != nil {
		return err
	}

	_ = os.Remove(m.socketPath)

	cmd := exec.CommandContext(ctx, "boxlite-vmm", "--api-sock", m.socketPath, "--config-file", m.configPath)
	cmd.Stdout = m.logFile
	cmd.Stderr = m.logFile
	if err := cmd.Start(); err != nil {
		return boxliteerr.Wrap(boxliteerr.Engine, "", "start vmm process", err)
	}
	m.cmd = cmd

	go func() {
		err := cmd.Wait()
		m.mu.Lock()
		m.exitErr = err
		m.mu.Unlock()
		close(m.exitedCh)
	}()

	return nil
}

func (a *Adaptor) Wait(ctx context.Context, h enginetypes.Handle) (enginetypes.ExitReason, error) {
	m, err := asMachine(h)
	if err != nil {
		return enginetypes.ExitCrashed, err
	}

	select {
	case <-ctx.Done():
		return enginetypes.ExitTimedOut, ctx.Err()
	case <-m.exitedCh:
	}

	m.mu.Lock()
	exitErr := m.exitErr
	m.mu.Unlock()

	if exitErr == nil {
		return enginetypes.ExitClean, nil
	}
	var exit *exec.ExitError
	if errors.As(exitErr, &exit) && exit.ExitCode() == -1 {
		return enginetypes.ExitKilled, nil
	}
	return enginetypes.ExitCrashed, exitErr
}

func (a *Adaptor) Shutdown(ctx context.Context, h enginetypes.Handle, timeout time.Duration) error {
	m, err := asMachine(h)
	if err != nil {
		return err
	}
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}

	if err := m.cmd.Process.Signal(os.Interrupt); err != nil {
		return a.Kill(ctx, h)
	}

	select {
	case <-m.exitedCh:
		return a.cleanup(m)
	case <-time.After(timeout):
		if err := a.Kill(ctx, h); err != nil {
			return err
		}
		return a.cleanup(m)
	}
}

func (a *Adaptor) Kill(ctx context.Context, h enginetypes.Handle) error {
	m, err := asMachine(h)
	if err != nil {
		return err
	}
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}
	if err := m.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return boxliteerr.Wrap(boxliteerr.Engine, "", "kill vmm process", err)
	}
	<-m.exitedCh
	return nil
}

func (a *Adaptor) cleanup(m *Machine) error {
	_ = os.Remove(m.socketPath)
	_ = m.logFile.Close()
	return nil
}

// OpenVsock dials the guest agent's Portal port over AF_VSOCK, addressed by
// the context id assigned in the VM spec.
func (a *Adaptor) OpenVsock(ctx context.Context, h enginetypes.Handle, port uint32) (io.ReadWriteCloser, error) {
	m, err := asMachine(h)
	if err != nil {
		return nil, err
	}

	conn, err := vsock.Dial(m.spec.VsockCID, port, nil)
	if err != nil {
		return nil, boxliteerr.Wrap(boxliteerr.PortalDisconnected, "", "dial guest vsock", err)
	}
	return conn, nil
}

func asMachine(h enginetypes.Handle) (*Machine, error) {
	m, ok := h.(*Machine)
	if !ok {
		return nil, fmt.Errorf("handle is not a kvm machine")
	}
	return m, nil
}

func buildVMConfig(files RuntimeFiles, spec enginetypes.VMSpec) map[string]any {
	cfg := map[string]any{
		"boot-source": map[string]any{
			"kernel_image_path": files.KernelPath,
			"initrd_path":       files.InitrdPath,
			"boot_args":         fmt.Sprintf("console=ttyS0 reboot=k panic=1 init=%s", firstOr(spec.Cmdline, "/boxlite/init")),
		},
		"machine-config": map[string]any{
			"vcpu_count":   spec.VCPUs,
			"mem_size_mib": spec.MemoryMB,
			"smt":          false,
		},
		"vsock": map[string]any{
			"guest_cid": spec.VsockCID,
		},
		"fs-devices": []map[string]any{
			{
				"tag":          "rootfs",
				"shared_dir":   spec.RootfsDir,
				"is_read_only": true,
			},
		},
	}

	if spec.DataDisk != nil {
		cfg["drives"] = []map[string]any{
			{
				"drive_id":       "data",
				"path_on_host":   spec.DataDisk.Path,
				"is_root_device": false,
				"is_read_only":   spec.DataDisk.ReadOnly,
			},
		}
	}

	if spec.Net != nil {
		cfg["network-interfaces"] = []map[string]any{
			{
				"iface_id":     "eth0",
				"host_dev_name": spec.Net.TAPDevice,
				"guest_mac":    spec.Net.MACAddress,
			},
		}
		cfg["boot-source"].(map[string]any)["boot_args"] = fmt.Sprintf(
			"console=ttyS0 reboot=k panic=1 init=%s ip=%s::%s:255.255.255.0::eth0:off nameserver=%s",
			firstOr(spec.Cmdline, "/boxlite/init"), spec.Net.IPAddress, spec.Net.Gateway, spec.Net.DNS,
		)
	}

	return cfg
}

func firstOr(xs []string, fallback string) string {
	if len(xs) == 0 {
		return fallback
	}
	return xs[0]
}
