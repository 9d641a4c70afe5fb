// Package boxctl implements the Box Controller: the per-box state machine
// that owns an engine handle, a Portal session, and the box's in-flight
// executions, serializing lifecycle operations through a FIFO queue while
// letting execs run concurrently with one another.
package boxctl

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/suryatmodulus/boxlite/internal/engine"
	"github.com/suryatmodulus/boxlite/internal/imagestore"
	"github.com/suryatmodulus/boxlite/internal/netbackend"
	"github.com/suryatmodulus/boxlite/internal/portal"
	"github.com/suryatmodulus/boxlite/internal/store"
	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
	"github.com/suryatmodulus/boxlite/pkg/ids"
)

const (
	portalPort      = 7717
	defaultGrace    = 10 * time.Second
	sessionWinBytes = 256 * 1024
)

// Deps are the shared, runtime-owned collaborators every Controller is
// built with.
type Deps struct {
	DB      *store.DB
	Images  *imagestore.Store
	Network *netbackend.Backend
	Engine  engine.Adaptor
	Files   engine.RuntimeFiles
	HomeDir string
	Logger  *slog.Logger

	// OnExec and OnExecError, if set, are called once per Exec call that
	// reaches the guest (successfully or not) so Runtime can keep its
	// command counters current without Controller knowing they exist.
	OnExec      func()
	OnExecError func()

	// OnRemove, if set, is called once doRemove has fully torn the box
	// down, so Runtime can drop the controller from its id/name registries
	// instead of leaving a dangling handle behind.
	OnRemove func(id ids.BoxId, name string)
}

// Controller drives one box's state machine and owns its live resources.
type Controller struct {
	id   ids.BoxId
	deps Deps

	jobs chan func() error

	mu            sync.Mutex
	box           *store.Box
	handle        engine.Handle
	session       *portal.Session
	sessionCancel context.CancelFunc
	execs         map[string]*Execution
	nextExec      atomic.Uint64
	removed       bool
}

// New constructs a Controller over an already-persisted box record. It does
// not start the box; call Start explicitly (or Runtime does, per
// start_on_create).
func New(box *store.Box, deps Deps) *Controller {
	c := &Controller{
		id:    box.ID,
		deps:  deps,
		jobs:  make(chan func() error),
		box:   box,
		execs: make(map[string]*Execution),
	}
	go c.drain()
	return c
}

func (c *Controller) drain() {
	for job := range c.jobs {
		_ = job()
	}
}

// enqueue serializes op behind any in-flight lifecycle operation, per
// §4.6/§5: "ops enter a per-box queue and execute strictly in arrival order."
// A box that has already been removed has no drain goroutine left to read
// jobs, so enqueue short-circuits instead of sending on the closed channel.
func (c *Controller) enqueue(ctx context.Context, op func() error) error {
	c.mu.Lock()
	removed := c.removed
	c.mu.Unlock()
	if removed {
		return boxliteerr.NotFoundf("box %s has been removed", c.id)
	}

	done := make(chan error, 1)
	select {
	case c.jobs <- func() error { err := op(); done <- err; return err }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) currentState() store.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.box.State.State
}

// Info returns the box's current metadata snapshot. Non-suspending.
func (c *Controller) Info() store.Box {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.box
}

func (c *Controller) boxDir() string {
	return filepath.Join(c.deps.HomeDir, "boxes", c.id.String())
}

func (c *Controller) dataDiskPath() string {
	return filepath.Join(c.boxDir(), "disk.qcow2")
}

// Start assembles the rootfs, boots the engine, and opens the Portal
// session. Idempotent no-op if already Running.
func (c *Controller) Start(ctx context.Context) error {
	return c.enqueue(ctx, func() error { return c.doStart(ctx) })
}

func (c *Controller) doStart(ctx context.Context) error {
	if c.currentState() == store.StateRunning {
		return nil
	}

	c.mu.Lock()
	box := *c.box
	c.mu.Unlock()

	img, err := c.deps.Images.Load(ctx, digest.Digest(box.Config.ImageDigest))
	if err != nil {
		return boxliteerr.Wrap(boxliteerr.Storage, "", "load image manifest", err)
	}
	lowerDir := filepath.Join(c.boxDir(), "lower")
	if err := os.MkdirAll(lowerDir, 0o755); err != nil {
		return fmt.Errorf("create lower dir: %w", err)
	}
	if err := c.deps.Images.AssembleRootfs(ctx, img, lowerDir); err != nil {
		return boxliteerr.Wrap(boxliteerr.Storage, "", "assemble rootfs", err)
	}

	endpoint, err := c.deps.Network.AllocateEndpoint(c.id.String())
	if err != nil {
		return boxliteerr.Wrap(boxliteerr.Network, "", "allocate network endpoint", err)
	}
	// releaseNetwork undoes every network-side reservation made below; armed
	// until the VM is confirmed running, then disarmed so Stop owns the
	// teardown instead.
	releaseNetwork := func() {
		_ = c.deps.Network.ReleasePorts(c.id.String())
		_ = c.deps.Network.ReleaseEndpoint(c.id.String())
	}
	defer func() {
		if releaseNetwork != nil {
			releaseNetwork()
		}
	}()

	if len(box.Config.Ports) > 0 {
		mappings := make([]netbackend.PortMapping, len(box.Config.Ports))
		for i, p := range box.Config.Ports {
			mappings[i] = netbackend.PortMapping{HostPort: p.HostPort, GuestPort: p.GuestPort, Protocol: p.Proto}
		}
		if err := c.deps.Network.ReservePorts(c.id.String(), mappings); err != nil {
			return boxliteerr.Wrap(boxliteerr.Network, "", "reserve ports", err)
		}
	}

	var dataDisk *engine.DataDisk
	if box.Config.DiskSizeGB > 0 {
		dataDisk, err = c.deps.Engine.PrepareDataDisk(ctx, c.dataDiskPath(), box.Config.DiskSizeGB*1024)
		if err != nil {
			return boxliteerr.Wrap(boxliteerr.Storage, "", "prepare data disk", err)
		}
	}

	spec := engine.VMSpec{
		BoxID:      c.id.String(),
		KernelPath: c.deps.Files.KernelPath,
		InitrdPath: c.deps.Files.InitrdPath,
		RootfsDir:  lowerDir,
		DataDisk:   dataDisk,
		MemoryMB:   box.Config.MemoryMiB,
		VCPUs:      box.Config.CPUs,
		Env:        envToSlice(box.Config.Env),
		Cmdline:    box.Config.Cmd,
		VsockCID:   vsockCIDFor(c.id),
		Net: &engine.NetDevice{
			TAPDevice:  endpoint.TAPDevice,
			MACAddress: endpoint.MACAddress,
			IPAddress:  endpoint.IPAddress,
			Gateway:    endpoint.Gateway,
			DNS:        endpoint.DNS,
		},
	}

	handle, err := c.deps.Engine.Prepare(ctx, spec)
	if err != nil {
		return boxliteerr.Wrap(boxliteerr.Engine, "", "prepare vm", err)
	}
	if err := c.deps.Engine.Start(ctx, handle); err != nil {
		return boxliteerr.Wrap(boxliteerr.Engine, "", "start vm", err)
	}

	conn, err := c.deps.Engine.OpenVsock(ctx, handle, portalPort)
	if err != nil {
		_ = c.deps.Engine.Kill(ctx, handle)
		return boxliteerr.Wrap(boxliteerr.PortalDisconnected, "", "open portal vsock", err)
	}

	session := portal.NewSession(conn, c.deps.Logger)
	sessionCtx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = session.Run(sessionCtx)
	}()

	c.mu.Lock()
	c.handle = handle
	c.session = session
	c.sessionCancel = cancel
	c.mu.Unlock()

	now := time.Now()
	if err := store.UpdateState(ctx, c.deps.DB.Boxes, c.id, store.StateRecord{State: store.StateRunning}, now); err != nil {
		return fmt.Errorf("persist running state: %w", err)
	}
	c.mu.Lock()
	c.box.State = store.StateRecord{State: store.StateRunning}
	c.mu.Unlock()

	releaseNetwork = nil
	return nil
}

// Exec opens a new stream and starts a guest command. Runs concurrently
// with other execs, but only while the box is Running.
func (c *Controller) Exec(ctx context.Context, req ExecRequest) (*Execution, error) {
	c.mu.Lock()
	if c.box.State.State != store.StateRunning {
		state := c.box.State.State
		c.mu.Unlock()
		return nil, boxliteerr.InvalidStatef(string(state), "exec requires a running box")
	}
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return nil, boxliteerr.New(boxliteerr.PortalReset, "", "box has no active portal session")
	}

	streamID := c.nextExec.Add(1)
	stream, err := session.Open(streamID, sessionWinBytes)
	if err != nil {
		c.recordExecError()
		return nil, boxliteerr.Wrap(boxliteerr.PortalDisconnected, "", "open exec stream", err)
	}

	execID := fmt.Sprintf("%s-%d", c.id.String(), streamID)
	execution, err := newExecution(execID, stream, req)
	if err != nil {
		stream.Close()
		c.recordExecError()
		return nil, err
	}

	c.mu.Lock()
	c.execs[execID] = execution
	c.mu.Unlock()

	if c.deps.OnExec != nil {
		c.deps.OnExec()
	}
	return execution, nil
}

func (c *Controller) recordExecError() {
	if c.deps.OnExecError != nil {
		c.deps.OnExecError()
	}
}

// Stop drains executions, signals the guest init, waits the grace period,
// then shuts the engine down. Idempotent if not Running.
func (c *Controller) Stop(ctx context.Context, timeout time.Duration) error {
	return c.enqueue(ctx, func() error { return c.doStop(ctx, timeout) })
}

func (c *Controller) doStop(ctx context.Context, timeout time.Duration) error {
	if c.currentState() != store.StateRunning {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultGrace
	}

	now := time.Now()
	if err := store.UpdateState(ctx, c.deps.DB.Boxes, c.id, store.StateRecord{State: store.StateStopping}, now); err != nil {
		return fmt.Errorf("persist stopping state: %w", err)
	}

	// Flip the in-memory state to Stopping before releasing anything below,
	// so a concurrent Exec sees InvalidState(Stopping) instead of racing a
	// session that is already being torn down (§4.6's stop/exec tie-break).
	c.mu.Lock()
	c.box.State = store.StateRecord{State: store.StateStopping}
	handle := c.handle
	session := c.session
	sessionCancel := c.sessionCancel
	execs := make([]*Execution, 0, len(c.execs))
	for _, e := range c.execs {
		execs = append(execs, e)
	}
	c.mu.Unlock()

	for _, e := range execs {
		_ = e.Kill(ctx, 15) // SIGTERM
	}
	for _, e := range execs {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		_, _ = e.Wait(waitCtx)
		cancel()
	}

	if session != nil {
		session.Close(nil)
	}
	if sessionCancel != nil {
		sessionCancel()
	}

	reason := store.StopReasonClean
	if handle != nil {
		if err := c.deps.Engine.Shutdown(ctx, handle, timeout); err != nil {
			_ = c.deps.Engine.Kill(ctx, handle)
			reason = store.StopReasonKilled
		}
	}

	if err := c.deps.Network.ReleasePorts(c.id.String()); err != nil {
		c.deps.Logger.Warn("release ports failed", "box", c.id, "error", err)
	}
	if err := c.deps.Network.ReleaseEndpoint(c.id.String()); err != nil {
		c.deps.Logger.Warn("release network endpoint failed", "box", c.id, "error", err)
	}

	c.mu.Lock()
	c.handle = nil
	c.session = nil
	c.sessionCancel = nil
	c.execs = make(map[string]*Execution)
	c.mu.Unlock()

	if err := store.UpdateState(ctx, c.deps.DB.Boxes, c.id, store.StateRecord{State: store.StateStopped, StopReason: reason}, time.Now()); err != nil {
		return fmt.Errorf("persist stopped state: %w", err)
	}
	c.mu.Lock()
	c.box.State = store.StateRecord{State: store.StateStopped, StopReason: reason}
	autoRemove := c.box.Config.AutoRemove
	c.mu.Unlock()

	// doStop only ever produces a Clean or Killed reason, never Unhealthy
	// (that transition happens out of band, in internal/runtime's network
	// crash handler), so firing auto-remove unconditionally here already
	// excludes the Unhealthy case (§4.7 scenario S1). Called directly
	// rather than through enqueue/Remove: doStop is itself running inside
	// the job queue's single goroutine, and enqueue would deadlock waiting
	// for a slot that goroutine is blocked holding.
	if autoRemove {
		if err := c.doRemove(ctx, false); err != nil {
			c.deps.Logger.Warn("auto-remove failed", "box", c.id, "error", err)
		}
	}

	return nil
}

// Restart is Stop followed by Start. The data disk is preserved; the rootfs
// under boxes/<id>/lower is flattened again from the cached layers, and
// there is no per-box upper dir to preserve.
func (c *Controller) Restart(ctx context.Context, timeout time.Duration) error {
	if err := c.Stop(ctx, timeout); err != nil {
		return err
	}
	return c.Start(ctx)
}

// Remove stops the box (if running and force is set) and deletes its
// metadata and filesystem tree. A box already removed is a no-op: removing
// twice must not surface an error or panic on the now-closed job queue.
func (c *Controller) Remove(ctx context.Context, force bool) error {
	c.mu.Lock()
	removed := c.removed
	c.mu.Unlock()
	if removed {
		return nil
	}
	return c.enqueue(ctx, func() error { return c.doRemove(ctx, force) })
}

func (c *Controller) doRemove(ctx context.Context, force bool) error {
	state := c.currentState()
	if state == store.StateRunning {
		if !force {
			return boxliteerr.InvalidStatef(string(state), "remove requires force on a running box")
		}
		if err := c.doStop(ctx, defaultGrace); err != nil {
			return err
		}
	}

	c.mu.Lock()
	diskSizeGB := c.box.Config.DiskSizeGB
	c.mu.Unlock()
	if diskSizeGB > 0 {
		if err := c.deps.Engine.ReleaseDataDisk(c.dataDiskPath()); err != nil {
			c.deps.Logger.Warn("release data disk failed", "box", c.id, "error", err)
		}
	}
	if err := os.RemoveAll(c.boxDir()); err != nil {
		return fmt.Errorf("remove box directory: %w", err)
	}
	if err := store.RemoveBox(ctx, c.deps.DB.Boxes, c.id); err != nil {
		return err
	}

	c.mu.Lock()
	name := c.box.Name
	c.removed = true
	c.mu.Unlock()

	if c.deps.OnRemove != nil {
		c.deps.OnRemove(c.id, name)
	}

	close(c.jobs)
	return nil
}

func envToSlice(env []store.EnvVar) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		out[i] = kv.Key + "=" + kv.Value
	}
	return out
}

// vsockCIDFor derives a stable AF_VSOCK context id from the box id. CIDs 0-2
// are reserved by the kernel, so the derived value is offset clear of them.
func vsockCIDFor(id ids.BoxId) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	if h < 3 {
		h += 3
	}
	return h
}
