// Package runtime implements the Runtime (C8): the process-wide registry of
// boxes, their creation pipeline, and coordinated shutdown. It is the one
// place that wires C2 (metadata store), C3 (image store), C4 (network
// backend), and C5 (engine adaptor) together behind per-box
// internal/boxctl.Controllers.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suryatmodulus/boxlite/internal/boxctl"
	"github.com/suryatmodulus/boxlite/internal/engine"
	"github.com/suryatmodulus/boxlite/internal/imagestore"
	"github.com/suryatmodulus/boxlite/internal/netbackend"
	"github.com/suryatmodulus/boxlite/internal/store"
	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
	"github.com/suryatmodulus/boxlite/pkg/fs"
	"github.com/suryatmodulus/boxlite/pkg/ids"
)

// OpenOptions configures a Runtime. HomeDir and Registries mirror
// Runtime::open(home_dir?, registries?). An empty HomeDir falls back to
// $BOXLITE_HOME; there is no further default. Registries has no default:
// with an empty list every image pull fails. A nil Logger uses
// slog.Default().
type OpenOptions struct {
	HomeDir       string
	Registries    []string
	NetHelperPath string
	NetHelperSock string
	Logger        *slog.Logger
}

// Runtime is the process-wide box registry. One per process is recommended;
// a second Runtime opened on the same home directory fails in Open, since
// the home lock is an exclusive non-blocking flock.
type Runtime struct {
	homeDir    string
	registries []string
	logger     *slog.Logger

	lock    *store.HomeLock
	db      *store.DB
	images  *imagestore.Store
	network *netbackend.Backend
	engine  engine.Adaptor
	files   engine.RuntimeFiles

	controllers sync.Map // ids.BoxId -> *boxctl.Controller
	names       sync.Map // string -> ids.BoxId, mirrors boxes.name for Get-by-name

	metrics Metrics

	mu       sync.Mutex
	shutdown bool
}

// Open acquires the home lock, opens the metadata store, reconciles any
// boxes left Running by a crashed process, brings up the network backend,
// and selects an engine adaptor for the current platform.
func Open(ctx context.Context, opts OpenOptions) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HomeDir == "" {
		opts.HomeDir = os.Getenv("BOXLITE_HOME")
	}

	lock, err := store.AcquireHomeLock(opts.HomeDir)
	if err != nil {
		return nil, boxliteerr.Wrap(boxliteerr.Storage, "", "acquire home lock", err)
	}

	db, err := store.Open(ctx, opts.HomeDir, logger)
	if err != nil {
		_ = lock.Release()
		return nil, boxliteerr.Wrap(boxliteerr.Storage, "", "open metadata store", err)
	}

	if recovered, err := store.Reconcile(ctx, db, time.Now()); err != nil {
		logger.Warn("crash reconciliation failed", "error", err)
	} else if len(recovered) > 0 {
		logger.Info("recovered boxes left running by a previous process", "boxes", recovered)
	}

	images := imagestore.New(opts.HomeDir, db, fs.NewLayerFlattener(), logger)

	r := &Runtime{
		homeDir:    opts.HomeDir,
		registries: opts.Registries,
		logger:     logger,
		lock:       lock,
		db:         db,
		images:     images,
	}

	network, err := netbackend.New(opts.NetHelperPath, opts.NetHelperSock, r.onNetworkCrash, logger)
	if err != nil {
		_ = db.Close()
		_ = lock.Release()
		return nil, boxliteerr.Wrap(boxliteerr.Network, "", "build network backend", err)
	}
	if err := network.EnsureInfrastructure(ctx); err != nil {
		_ = db.Close()
		_ = lock.Release()
		return nil, err
	}
	r.network = network

	files, err := engine.LocateRuntimeFiles(opts.HomeDir + "/init")
	if err != nil {
		_ = network.Shutdown()
		_ = db.Close()
		_ = lock.Release()
		return nil, boxliteerr.Wrap(boxliteerr.UnsupportedEngine, "", "locate runtime files", err)
	}
	r.files = files

	adaptor, err := engine.Select(files, logger)
	if err != nil {
		_ = network.Shutdown()
		_ = db.Close()
		_ = lock.Release()
		return nil, err
	}
	r.engine = adaptor

	if err := r.loadExistingBoxes(ctx); err != nil {
		_ = network.Shutdown()
		_ = db.Close()
		_ = lock.Release()
		return nil, err
	}

	return r, nil
}

// onNetworkCrash marks every box still believed Running as Unhealthy, since
// none of them have a usable network path once the shared helper has died
// (spec §4.3).
func (r *Runtime) onNetworkCrash(err error) {
	r.logger.Error("network helper crashed", "error", err)
	r.controllers.Range(func(_, v any) bool {
		c := v.(*boxctl.Controller)
		if c.Info().State.State == store.StateRunning {
			_ = store.UpdateState(context.Background(), r.db.Boxes, c.Info().ID,
				store.StateRecord{State: store.StateUnhealthy}, time.Now())
		}
		return true
	})
}

func (r *Runtime) loadExistingBoxes(ctx context.Context) error {
	boxes, err := store.ListBoxes(ctx, r.db.Boxes)
	if err != nil {
		return fmt.Errorf("list boxes at startup: %w", err)
	}
	for _, box := range boxes {
		c := boxctl.New(box, r.deps())
		r.controllers.Store(box.ID, c)
		if box.Name != "" {
			r.names.Store(box.Name, box.ID)
		}
	}
	return nil
}

func (r *Runtime) deps() boxctl.Deps {
	return boxctl.Deps{
		DB:          r.db,
		Images:      r.images,
		Network:     r.network,
		Engine:      r.engine,
		Files:       r.files,
		HomeDir:     r.homeDir,
		Logger:      r.logger,
		OnExec:      r.metrics.recordCommand,
		OnExecError: r.metrics.recordExecError,
		OnRemove:    r.onBoxRemoved,
	}
}

// onBoxRemoved drops a removed box from both registries, so a later Get by
// either id or name yields NotFound rather than a dangling controller (§3,
// §9's weak-reference semantics, testable property 1).
func (r *Runtime) onBoxRemoved(id ids.BoxId, name string) {
	r.controllers.Delete(id)
	if name != "" {
		r.names.Delete(name)
	}
}

func (r *Runtime) checkNotShutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return boxliteerr.New(boxliteerr.Shutdown, "", "runtime has been shut down")
	}
	return nil
}

// CreateOptions is the already-validated request to create a box. Options
// validation itself (spec §4.8's table) lives at the pkg/boxlite boundary;
// by the time it reaches here every field is trusted.
type CreateOptions struct {
	Name          string
	ImageRef      string
	CPUs          int
	MemoryMiB     int
	DiskSizeGB    int
	WorkingDir    string
	Env           []store.EnvVar
	Volumes       []store.Volume
	Ports         []store.PortMapping
	User          string
	Cmd           []string
	AutoRemove    bool
	StartOnCreate bool
}

// Create runs the pipeline from spec §4.7: pull/resolve the image, reserve
// ports, persist a Created record, and optionally start the box. Any step
// failing rolls back every step that already committed, in reverse order.
func (r *Runtime) Create(ctx context.Context, opts CreateOptions) (*boxctl.Controller, error) {
	if err := r.checkNotShutdown(); err != nil {
		return nil, err
	}

	var rollbacks []func()
	rollback := func() {
		for i := len(rollbacks) - 1; i >= 0; i-- {
			rollbacks[i]()
		}
	}

	img, err := r.images.Pull(ctx, opts.ImageRef, r.registries)
	if err != nil {
		r.metrics.recordFailed()
		return nil, err
	}

	id, err := ids.NewBoxId(ids.SystemClock{})
	if err != nil {
		r.metrics.recordFailed()
		return nil, fmt.Errorf("generate box id: %w", err)
	}

	if len(opts.Ports) > 0 {
		mappings := make([]netbackend.PortMapping, len(opts.Ports))
		for i, p := range opts.Ports {
			mappings[i] = netbackend.PortMapping{HostPort: p.HostPort, GuestPort: p.GuestPort, Protocol: p.Proto}
		}
		if err := r.network.ReservePorts(id.String(), mappings); err != nil {
			r.metrics.recordFailed()
			return nil, boxliteerr.Wrap(boxliteerr.Network, "", "reserve ports", err)
		}
		rollbacks = append(rollbacks, func() { _ = r.network.ReleasePorts(id.String()) })
	}

	box := &store.Box{
		ID:   id,
		Name: opts.Name,
		Config: store.Config{
			ImageRef:    opts.ImageRef,
			ImageDigest: img.Digest.String(),
			CPUs:        opts.CPUs,
			MemoryMiB:   opts.MemoryMiB,
			DiskSizeGB:  opts.DiskSizeGB,
			WorkingDir:  opts.WorkingDir,
			Env:         opts.Env,
			Volumes:     opts.Volumes,
			Ports:       opts.Ports,
			User:        opts.User,
			Cmd:         opts.Cmd,
			AutoRemove:  opts.AutoRemove,
		},
		State:     store.StateRecord{State: store.StateCreated},
		CreatedAt: time.Now(),
	}

	if err := store.CreateBox(ctx, r.db.Boxes, box); err != nil {
		rollback()
		r.metrics.recordFailed()
		return nil, err
	}
	rollbacks = append(rollbacks, func() { _ = store.RemoveBox(context.Background(), r.db.Boxes, id) })

	controller := boxctl.New(box, r.deps())
	r.controllers.Store(id, controller)
	if box.Name != "" {
		r.names.Store(box.Name, id)
	}
	rollbacks = append(rollbacks, func() { r.onBoxRemoved(id, box.Name) })

	if opts.StartOnCreate {
		if err := controller.Start(ctx); err != nil {
			rollback()
			r.metrics.recordFailed()
			return nil, err
		}
	}

	r.metrics.recordCreated()
	return controller, nil
}

// Get resolves a box by id or reserved name.
func (r *Runtime) Get(idOrName string) (*boxctl.Controller, error) {
	if err := r.checkNotShutdown(); err != nil {
		return nil, err
	}

	if v, ok := r.controllers.Load(ids.BoxId(idOrName)); ok {
		return v.(*boxctl.Controller), nil
	}
	if boxID, ok := r.names.Load(idOrName); ok {
		if v, ok := r.controllers.Load(boxID); ok {
			return v.(*boxctl.Controller), nil
		}
	}
	return nil, boxliteerr.NotFoundf("box %q not found", idOrName)
}

// List returns every box's current metadata snapshot.
func (r *Runtime) List() ([]store.Box, error) {
	if err := r.checkNotShutdown(); err != nil {
		return nil, err
	}

	var boxes []store.Box
	r.controllers.Range(func(_, v any) bool {
		boxes = append(boxes, v.(*boxctl.Controller).Info())
		return true
	})
	return boxes, nil
}

// Metrics returns a snapshot of the runtime-wide counters.
func (r *Runtime) Metrics() Snapshot {
	return r.metrics.Snapshot()
}

// Shutdown freezes new Creates, stops every controller in parallel, tears
// down the network backend, and releases the home lock. After it returns,
// Get, List and Create fail with boxliteerr.Shutdown; Metrics has no error
// result and keeps returning the counters, and a repeated Shutdown returns
// nil.
func (r *Runtime) Shutdown(ctx context.Context, timeout time.Duration) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	r.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	r.controllers.Range(func(_, v any) bool {
		c := v.(*boxctl.Controller)
		group.Go(func() error {
			if err := c.Stop(groupCtx, timeout); err != nil {
				r.logger.Warn("stop failed during shutdown", "box", c.Info().ID, "error", err)
			}
			r.metrics.recordStopped()
			return nil
		})
		return true
	})
	_ = group.Wait()

	if err := r.network.Shutdown(); err != nil {
		r.logger.Warn("network backend shutdown failed", "error", err)
	}
	if err := r.db.Close(); err != nil {
		r.logger.Warn("metadata store close failed", "error", err)
	}
	if err := r.lock.Release(); err != nil {
		return fmt.Errorf("release home lock: %w", err)
	}

	return nil
}
