package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
)

const (
	heartbeatInterval = 5 * time.Second
	maxMissedBeats    = 3
)

// ErrSessionClosed is returned by calls made after the session has
// aborted, either by request or after missed heartbeats.
var ErrSessionClosed = errors.New("portal: session closed")

// Session owns one vsock connection (or, in tests, a net.Pipe/UnixConn) and
// multiplexes any number of Streams over it, enforcing the liveness
// heartbeat and tearing every outstanding stream down the moment the
// connection is lost or a frame violates the protocol.
type Session struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint64]*Stream

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	pongCh chan struct{}
}

// NewSession wraps conn in a Portal session. Call Run to start the
// read/heartbeat loops.
func NewSession(conn net.Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:    conn,
		logger:  logger,
		streams: make(map[uint64]*Stream),
		closed:  make(chan struct{}),
		pongCh:  make(chan struct{}, 1),
	}
}

// Run starts the read loop and heartbeat loop, blocking until the session
// ends. Callers typically invoke it in its own goroutine.
func (s *Session) Run(ctx context.Context) error {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop()
	}()

	go s.heartbeatLoop(ctx)

	select {
	case <-readDone:
	case <-ctx.Done():
		s.Close(ctx.Err())
	}
	return s.closeErr
}

// Open registers a new logical stream with the given id and per-stream
// receive window (clamped to the protocol minimum of 64 KiB).
func (s *Session) Open(streamID uint64, windowSize int) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return nil, ErrSessionClosed
	default:
	}

	if _, exists := s.streams[streamID]; exists {
		return nil, fmt.Errorf("portal: stream %d already open", streamID)
	}

	stream := newStream(streamID, s, windowSize)
	s.streams[streamID] = stream
	return stream, nil
}

func (s *Session) forget(streamID uint64) {
	s.mu.Lock()
	delete(s.streams, streamID)
	s.mu.Unlock()
}

func (s *Session) writeFrame(f Frame) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteFrame(s.conn, f)
}

func (s *Session) readLoop() {
	for {
		frame, err := ReadFrame(s.conn)
		if err != nil {
			s.Close(fmt.Errorf("portal: read frame: %w", err))
			return
		}

		switch frame.Type {
		case TypePing:
			_ = s.writeFrame(Frame{Type: TypePong, StreamID: frame.StreamID})
			continue
		case TypePong:
			select {
			case s.pongCh <- struct{}{}:
			default:
			}
			continue
		}

		s.mu.Lock()
		stream, ok := s.streams[frame.StreamID]
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("portal: frame for unknown stream", "stream_id", frame.StreamID, "type", frame.Type.String())
			continue
		}

		stream.deliver(frame)
		if frame.Type == TypeExit || frame.Type == TypeFileClose {
			stream.Close()
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.writeFrame(Frame{Type: TypePing}); err != nil {
				return
			}

			select {
			case <-s.pongCh:
				missed = 0
			case <-time.After(heartbeatInterval):
				missed++
				if missed >= maxMissedBeats {
					s.Close(boxliteerr.New(boxliteerr.PortalTimeout, "", "heartbeat: missed 3 consecutive pongs"))
					return
				}
			}
		}
	}
}

// Close aborts the session: every outstanding stream fails with
// boxliteerr.PortalDisconnected (or the given cause) and the underlying
// connection is closed.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		if cause == nil {
			cause = io.EOF
		}
		s.closeErr = cause
		close(s.closed)

		s.mu.Lock()
		streams := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.mu.Unlock()

		for _, st := range streams {
			st.fail(boxliteerr.Wrap(boxliteerr.PortalDisconnected, "", "session closed", cause))
		}

		_ = s.conn.Close()
	})
}

// Err returns the reason the session closed, or nil if it is still open.
func (s *Session) Err() error {
	select {
	case <-s.closed:
		return s.closeErr
	default:
		return nil
	}
}
