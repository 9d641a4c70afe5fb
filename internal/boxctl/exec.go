package boxctl

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/suryatmodulus/boxlite/internal/portal"
	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
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

// Execution is a pull-iterator handle onto one running guest command,
// multiplexed over a single Portal stream: stdout and stderr are
// independent FIFO byte streams, stdin is a write handle valid until the
// command exits, and Wait/Kill complete the exec(2)-like contract from
// §4.6.
type Execution struct {
	id     string
	stream *portal.Stream

	stdout chan []byte
	stderr chan []byte
	done   chan struct{}

	result ExitResult
	err    error
}

func newExecution(id string, stream *portal.Stream, req ExecRequest) (*Execution, error) {
	e := &Execution{
		id:     id,
		stream: stream,
		stdout: make(chan []byte, 32),
		stderr: make(chan []byte, 32),
		done:   make(chan struct{}),
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := stream.Send(context.Background(), portal.TypeOpenExec, payload); err != nil {
		return nil, boxliteerr.Wrap(boxliteerr.PortalDisconnected, "", "send OpenExec", err)
	}

	go e.pump()
	return e, nil
}

// ID returns the exec id, unique within the owning box.
func (e *Execution) ID() string { return e.id }

func (e *Execution) pump() {
	defer close(e.done)
	defer close(e.stdout)
	defer close(e.stderr)

	for {
		frame, err := e.stream.ReadChunk(context.Background())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.err = err
			}
			return
		}

		switch frame.Type {
		case portal.TypeStdoutChunk:
			e.stdout <- frame.Payload
		case portal.TypeStderrChunk:
			e.stderr <- frame.Payload
		case portal.TypeExit:
			e.result = decodeExit(frame.Payload)
			return
		case portal.TypeError:
			e.err = boxliteerr.New(boxliteerr.Execution, "", string(frame.Payload))
			return
		}
	}
}

func decodeExit(payload []byte) ExitResult {
	if len(payload) == 0 {
		return ExitResult{}
	}
	if len(payload) >= 2 && payload[1] != 0 {
		return ExitResult{Code: int(payload[0]), Signaled: true}
	}
	return ExitResult{Code: int(payload[0])}
}

// Stdin writes to the guest process's standard input.
func (e *Execution) Stdin(ctx context.Context, data []byte) error {
	return e.stream.Send(ctx, portal.TypeStdin, data)
}

// Stdout pulls the next chunk of standard output, returning io.EOF once the
// remote closes the stream.
func (e *Execution) Stdout(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-e.stdout:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stderr pulls the next chunk of standard error, independently ordered
// from Stdout.
func (e *Execution) Stderr(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-e.stderr:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until the command exits, returning the cached result if it
// already has.
func (e *Execution) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return ExitResult{}, ctx.Err()
	}
}

// Kill sends a Signal frame to the guest process. Cancelling Wait does not
// kill the remote process; Kill is the only way to do that.
func (e *Execution) Kill(ctx context.Context, signal int32) error {
	return e.stream.Signal(ctx, signal)
}

// Close releases the underlying Portal stream.
func (e *Execution) Close() {
	e.stream.Close()
}
