// Package boxlite is the library's front door: a small set of types wrapping
// internal/runtime so callers never need to reach into BoxLite's internal
// packages. Runtime.Create/Get/List return Box values, weak references that
// re-resolve through the registry on every call rather than owning a
// controller outright (spec §3 "Lifecycle ownership", §9 "Weak references
// to boxes").
package boxlite

import (
	"context"
	"log/slog"
	"time"

	boxruntime "github.com/suryatmodulus/boxlite/internal/runtime"
	"github.com/suryatmodulus/boxlite/internal/store"
)

// OpenOptions configures a Runtime. An empty HomeDir falls back to
// $BOXLITE_HOME; there is no platform-specific default beyond that.
// Registries has no default: a bare image reference like "alpine:latest"
// resolves against its first entry, and with an empty list every image
// pull fails.
type OpenOptions struct {
	HomeDir       string
	Registries    []string
	NetHelperPath string
	NetHelperSock string
	Logger        *slog.Logger
}

// Runtime is one process's handle onto its BoxLite home directory: the
// metadata store, image cache, network backend, and every live box's
// controller. One per process is recommended.
type Runtime struct {
	inner *boxruntime.Runtime
}

// Open acquires the home directory, recovers any boxes left Running by a
// crashed process, and brings up the network backend and engine adaptor.
func Open(ctx context.Context, opts OpenOptions) (*Runtime, error) {
	inner, err := boxruntime.Open(ctx, boxruntime.OpenOptions{
		HomeDir:       opts.HomeDir,
		Registries:    opts.Registries,
		NetHelperPath: opts.NetHelperPath,
		NetHelperSock: opts.NetHelperSock,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Runtime{inner: inner}, nil
}

// Create runs the §4.7 create pipeline (validate → pull the image → reserve
// ports → reserve the name and persist Created in one transaction →
// optionally start) and returns a weak handle onto the new box.
func (r *Runtime) Create(ctx context.Context, opts CreateOptions) (*Box, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	env := make([]store.EnvVar, len(opts.Env))
	for i, e := range opts.Env {
		env[i] = store.EnvVar{Key: e.Key, Value: e.Value}
	}
	volumes := make([]store.Volume, len(opts.Volumes))
	for i, v := range opts.Volumes {
		volumes[i] = store.Volume{HostPath: v.HostPath, GuestPath: v.GuestPath, ReadOnly: v.ReadOnly}
	}
	ports := make([]store.PortMapping, len(opts.Ports))
	for i, p := range opts.Ports {
		ports[i] = store.PortMapping{HostPort: p.HostPort, GuestPort: p.GuestPort, Proto: p.Proto}
	}
	diskSizeGB := 0
	if opts.DiskSizeGB != nil {
		diskSizeGB = *opts.DiskSizeGB
	}

	controller, err := r.inner.Create(ctx, boxruntime.CreateOptions{
		Name:          opts.Name,
		ImageRef:      opts.ImageRef,
		CPUs:          opts.CPUs,
		MemoryMiB:     opts.MemoryMiB,
		DiskSizeGB:    diskSizeGB,
		WorkingDir:    opts.WorkingDir,
		Env:           env,
		Volumes:       volumes,
		Ports:         ports,
		User:          opts.User,
		Cmd:           opts.Cmd,
		AutoRemove:    opts.AutoRemove,
		StartOnCreate: opts.StartOnCreate,
	})
	if err != nil {
		return nil, err
	}

	return &Box{rt: r, id: controller.Info().ID.String()}, nil
}

// Get resolves a box by id or reserved name.
func (r *Runtime) Get(idOrName string) (*Box, error) {
	controller, err := r.inner.Get(idOrName)
	if err != nil {
		return nil, err
	}
	return &Box{rt: r, id: controller.Info().ID.String()}, nil
}

// List returns every live box's current metadata snapshot.
func (r *Runtime) List() ([]BoxInfo, error) {
	boxes, err := r.inner.List()
	if err != nil {
		return nil, err
	}
	infos := make([]BoxInfo, len(boxes))
	for i, b := range boxes {
		infos[i] = boxInfoFrom(b)
	}
	return infos, nil
}

// RuntimeMetrics is a snapshot of the runtime-wide counters: best-effort,
// not a precise accounting ledger (spec §9).
type RuntimeMetrics struct {
	BoxesCreated    uint64
	BoxesFailed     uint64
	BoxesStopped    uint64
	TotalCommands   uint64
	TotalExecErrors uint64
	NumRunning      uint64
}

// Metrics returns the runtime-wide counters.
func (r *Runtime) Metrics() RuntimeMetrics {
	s := r.inner.Metrics()
	return RuntimeMetrics{
		BoxesCreated:    s.BoxesCreated,
		BoxesFailed:     s.BoxesFailed,
		BoxesStopped:    s.BoxesStopped,
		TotalCommands:   s.TotalCommands,
		TotalExecErrors: s.TotalExecErrors,
		NumRunning:      s.NumRunning,
	}
}

// Shutdown freezes new Creates, stops every box in parallel, and releases
// the home lock. After it returns, Create, Get, List and every Box method
// that re-resolves its box (all but ID) return a Shutdown error; Metrics
// has no error result and keeps returning the counters.
func (r *Runtime) Shutdown(ctx context.Context, timeout time.Duration) error {
	return r.inner.Shutdown(ctx, timeout)
}
