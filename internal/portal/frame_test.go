package portal

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: TypeStdoutChunk, StreamID: 7, Payload: []byte("hello")},
		{Type: TypePing, StreamID: 0, Payload: nil},
		{Type: TypeExit, StreamID: 42, Payload: []byte{0}},
	}

	for _, f := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}

		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if got.Type != f.Type || got.StreamID != f.StreamID || !bytes.Equal(got.Payload, f.Payload) {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, f)
		}
	}
}

func TestMarshalRejectsOversizedPayload(t *testing.T) {
	f := Frame{Type: TypeFileChunk, StreamID: 1, Payload: make([]byte, MaxFrameLength+1)}
	if _, err := f.Marshal(); err == nil {
		t.Error("expected error for oversized payload")
	}
}

func TestReadFrameAbortsOnOversizedLength(t *testing.T) {
	// Hand-craft a header claiming a length beyond MaxFrameLength.
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff, byte(TypeStdin), 0, 0, 0, 0, 0, 0, 0, 0})
	if _, err := ReadFrame(buf); err == nil {
		t.Error("expected error for oversized frame length")
	}
}

func TestTypeStringCoversAllKnownTypes(t *testing.T) {
	for t2 := TypeOpenExec; t2 <= TypeError; t2++ {
		if got := t2.String(); got == "" {
			t.Errorf("Type(%d).String() returned empty", t2)
		}
	}
}
