package portal

import (
	"context"
	"io"
	"sync"
)

// chunk carries one demultiplexed frame queued for a Stream's reader.
type chunk struct {
	frame Frame
	err   error
}

// Stream is a single logical conversation (one exec, one file transfer,
// the metrics channel) multiplexed over a Session's shared vsock
// connection, identified by its stream_id. It is a pull iterator, never a
// callback source: callers read exactly as fast as they can keep up with.
type Stream struct {
	id      uint64
	session *Session
	win     *window

	inbound chan chunk

	mu     sync.Mutex
	closed bool
}

func newStream(id uint64, session *Session, windowSize int) *Stream {
	return &Stream{
		id:      id,
		session: session,
		win:     newWindow(windowSize),
		inbound: make(chan chunk, 64),
	}
}

// ID returns the stream's identifier.
func (s *Stream) ID() uint64 { return s.id }

// Send writes a frame on this stream.
func (s *Stream) Send(ctx context.Context, t Type, payload []byte) error {
	return s.session.writeFrame(Frame{Type: t, StreamID: s.id, Payload: payload})
}

// ReadChunk pulls the next frame addressed to this stream, blocking until
// one arrives, the context is cancelled, or the stream/session ends
// (io.EOF). Consuming a data-carrying frame returns its window credit,
// which unblocks deliver (and transitively the session's read loop) if the
// window had filled up.
func (s *Stream) ReadChunk(ctx context.Context) (Frame, error) {
	select {
	case c, ok := <-s.inbound:
		if !ok {
			return Frame{}, io.EOF
		}
		if c.err != nil {
			return Frame{}, c.err
		}
		if isDataType(c.frame.Type) {
			s.win.release(len(c.frame.Payload))
		}
		return c.frame, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Signal sends a Signal frame (e.g. guest process signal delivery) on this
// stream.
func (s *Stream) Signal(ctx context.Context, sig int32) error {
	payload := []byte{byte(sig), byte(sig >> 8), byte(sig >> 16), byte(sig >> 24)}
	return s.Send(ctx, TypeSignal, payload)
}

// Close marks the stream finished, releasing any blocked Send/ReadChunk
// callers.
func (s *Stream) Close() {
	s.win.close()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.inbound)
	}
	s.mu.Unlock()

	s.session.forget(s.id)
}

// deliver hands a received frame to the stream's reader. Data-carrying
// frames must first acquire window credit sized to their payload; while
// the window is exhausted this blocks the session's single read loop,
// which is exactly the backpressure §4.5 asks for — a slow local consumer
// stalls demuxing, which stalls reading off the shared connection, which
// is what ultimately throttles the remote writer.
func (s *Stream) deliver(f Frame) {
	if isDataType(f.Type) && len(f.Payload) > 0 {
		if !s.win.acquire(len(f.Payload)) {
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.inbound <- chunk{frame: f}
}

// fail delivers a terminal error to the reader and closes the channel,
// guarded against a concurrent deliver to avoid a send-on-closed-channel
// panic.
func (s *Stream) fail(err error) {
	s.win.close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.inbound <- chunk{err: err}
	close(s.inbound)
}

func isDataType(t Type) bool {
	switch t {
	case TypeStdin, TypeStdoutChunk, TypeStderrChunk, TypeFileChunk:
		return true
	default:
		return false
	}
}
