// Package portal implements the Portal RPC: a bidirectional, multiplexed,
// framed protocol carried over a single vsock stream per box, used for
// exec, file transfer, and metrics traffic between the runtime and the
// guest agent.
package portal

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLength is the largest payload a single Frame may carry.
const MaxFrameLength = 1 << 20 // 1 MiB

// headerLength is u32 length + u8 type + u64 stream_id.
const headerLength = 4 + 1 + 8

// Type identifies what a Frame carries.
type Type uint8

const (
	TypeOpenExec Type = iota
	TypeStdin
	TypeStdoutChunk
	TypeStderrChunk
	TypeSignal
	TypeExit
	TypeFileOpen
	TypeFileChunk
	TypeFileClose
	TypeStat
	TypeMetrics
	TypePing
	TypePong
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeOpenExec:
		return "OpenExec"
	case TypeStdin:
		return "Stdin"
	case TypeStdoutChunk:
		return "StdoutChunk"
	case TypeStderrChunk:
		return "StderrChunk"
	case TypeSignal:
		return "Signal"
	case TypeExit:
		return "Exit"
	case TypeFileOpen:
		return "FileOpen"
	case TypeFileChunk:
		return "FileChunk"
	case TypeFileClose:
		return "FileClose"
	case TypeStat:
		return "Stat"
	case TypeMetrics:
		return "Metrics"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeError:
		return "Error"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Frame is the wire unit of the Portal protocol: little-endian
// {u32 length, u8 type, u64 stream_id, payload}.
type Frame struct {
	Type     Type
	StreamID uint64
	Payload  []byte
}

// Marshal encodes f into its wire representation.
func (f Frame) Marshal() ([]byte, error) {
	if len(f.Payload) > MaxFrameLength {
		return nil, fmt.Errorf("portal: frame payload %d bytes exceeds max %d", len(f.Payload), MaxFrameLength)
	}

	buf := make([]byte, headerLength+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	buf[4] = uint8(f.Type)
	binary.LittleEndian.PutUint64(buf[5:13], f.StreamID)
	copy(buf[headerLength:], f.Payload)
	return buf, nil
}

// WriteFrame marshals and writes f to w in one call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := f.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads and decodes a single Frame from r. A malformed frame
// (oversized length) aborts the read rather than being silently skipped.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	if length > MaxFrameLength {
		return Frame{}, fmt.Errorf("portal: frame length %d exceeds max %d, aborting session", length, MaxFrameLength)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}

	return Frame{
		Type:     Type(header[4]),
		StreamID: binary.LittleEndian.Uint64(header[5:13]),
		Payload:  payload,
	}, nil
}
