package boxlite

import (
	"context"
	"time"

	"github.com/suryatmodulus/boxlite/internal/boxctl"
	"github.com/suryatmodulus/boxlite/internal/store"
)

// Box is a weak reference to a running or stopped box: it stores only the
// owning Runtime and an id, and re-resolves the live *boxctl.Controller
// through the registry on every call. The controller itself is owned by
// the Runtime and dropped on Remove, so a Box outliving its box is just a
// handle that starts returning NotFound, never a dangling pointer.
type Box struct {
	rt *Runtime
	id string
}

// ID returns the box's id. Non-suspending.
func (b *Box) ID() string { return b.id }

func (b *Box) resolve() (*boxctl.Controller, error) {
	return b.rt.inner.Get(b.id)
}

// Info returns the box's current metadata snapshot. Non-suspending.
func (b *Box) Info() (BoxInfo, error) {
	c, err := b.resolve()
	if err != nil {
		return BoxInfo{}, err
	}
	return boxInfoFrom(c.Info()), nil
}

// Exec starts a command inside the box, returning a pull-iterator handle
// onto its stdout/stderr/exit. Runs concurrently with other execs on the
// same box, but only while it is Running.
func (b *Box) Exec(ctx context.Context, req ExecRequest) (*Execution, error) {
	c, err := b.resolve()
	if err != nil {
		return nil, err
	}
	exec, err := c.Exec(ctx, boxctl.ExecRequest{
		Cmd:  req.Cmd,
		Args: req.Args,
		Env:  req.Env,
		TTY:  req.TTY,
	})
	if err != nil {
		return nil, err
	}
	return &Execution{inner: exec}, nil
}

// Stop signals the guest init to shut down, waits up to timeout, then kills
// the VM if it hasn't exited. Idempotent if the box is not Running.
func (b *Box) Stop(ctx context.Context, timeout time.Duration) error {
	c, err := b.resolve()
	if err != nil {
		return err
	}
	return c.Stop(ctx, timeout)
}

// Restart stops then starts the box.
func (b *Box) Restart(ctx context.Context, timeout time.Duration) error {
	c, err := b.resolve()
	if err != nil {
		return err
	}
	return c.Restart(ctx, timeout)
}

// Remove deletes the box's on-disk state and metadata row. force is
// required to remove a Running box (it is stopped first).
func (b *Box) Remove(ctx context.Context, force bool) error {
	c, err := b.resolve()
	if err != nil {
		return err
	}
	return c.Remove(ctx, force)
}

// Metrics asks the guest agent for its current resource usage. Requires a
// Running box.
func (b *Box) Metrics(ctx context.Context) (BoxMetrics, error) {
	c, err := b.resolve()
	if err != nil {
		return BoxMetrics{}, err
	}
	m, err := c.Metrics(ctx)
	if err != nil {
		return BoxMetrics{}, err
	}
	return BoxMetrics{CPUTimeMS: m.CPUTimeMS, MemoryUsageBytes: m.MemoryUsageBytes}, nil
}

// BoxMetrics is a guest's self-reported resource usage. Best-effort: not
// monotonic across a restart.
type BoxMetrics struct {
	CPUTimeMS        uint64
	MemoryUsageBytes uint64
}

// BoxInfo is a box's metadata snapshot, the shape Runtime.List and Box.Info
// return.
type BoxInfo struct {
	ID         string
	Name       string
	ImageRef   string
	State      string
	StopReason string
	CreatedAt  time.Time
}

func boxInfoFrom(b store.Box) BoxInfo {
	return BoxInfo{
		ID:         b.ID.String(),
		Name:       b.Name,
		ImageRef:   b.Config.ImageRef,
		State:      string(b.State.State),
		StopReason: string(b.State.StopReason),
		CreatedAt:  b.CreatedAt,
	}
}
