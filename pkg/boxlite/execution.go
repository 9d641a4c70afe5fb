package boxlite

import (
	"context"

	"github.com/suryatmodulus/boxlite/internal/boxctl"
)

// ExecRequest describes the command an Execution runs inside the guest.
type ExecRequest struct {
	Cmd  string
	Args []string
	Env  []string
	TTY  bool
}

// ExitResult is the terminal state of an Execution.
type ExitResult struct {
	Code     int
	Signaled bool
}

// Execution is a pull-iterator handle onto one running guest command:
// stdout and stderr are independent FIFO byte streams, stdin is a write
// handle valid until the command exits, and Wait/Kill give it an
// exec(2)-like contract (spec §9 "Streams as pull iterators").
type Execution struct {
	inner *boxctl.Execution
}

// ID returns the exec id, unique within the owning box.
func (e *Execution) ID() string { return e.inner.ID() }

// Stdin writes to the guest process's standard input.
func (e *Execution) Stdin(ctx context.Context, data []byte) error {
	return e.inner.Stdin(ctx, data)
}

// Stdout pulls the next chunk of standard output, returning io.EOF once the
// remote closes the stream.
func (e *Execution) Stdout(ctx context.Context) ([]byte, error) {
	return e.inner.Stdout(ctx)
}

// Stderr pulls the next chunk of standard error, independently ordered
// from Stdout.
func (e *Execution) Stderr(ctx context.Context) ([]byte, error) {
	return e.inner.Stderr(ctx)
}

// Wait blocks until the command exits. Cancelling Wait does not kill the
// remote process — Kill is the only way to do that.
func (e *Execution) Wait(ctx context.Context) (ExitResult, error) {
	r, err := e.inner.Wait(ctx)
	return ExitResult{Code: r.Code, Signaled: r.Signaled}, err
}

// Kill sends a signal to the guest process.
func (e *Execution) Kill(ctx context.Context, signal int32) error {
	return e.inner.Kill(ctx, signal)
}

// Close releases the underlying Portal stream.
func (e *Execution) Close() {
	e.inner.Close()
}
