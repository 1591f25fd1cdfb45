package sockrpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Frame{Type: TypeRequest, Flags: FlagStream, RequestID: 42, Payload: []byte(`{"model":"ondevice"}`)}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != HeaderSize+len(in.Payload) {
		t.Fatalf("frame length = %d", buf.Len())
	}

	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Type != in.Type || out.Flags != in.Flags || out.RequestID != in.RequestID {
		t.Fatalf("header mismatch: %+v", out)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: TypePing, RequestID: 7}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Type != TypePing || len(out.Payload) != 0 {
		t.Fatalf("frame = %+v", out)
	}
}

func TestFrameChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: TypeResponse, RequestID: 1, Payload: []byte("hello")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.Bytes()
	raw[HeaderSize] ^= 0xff

	_, err := ReadFrame(bytes.NewReader(raw))
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("err = %v, want ErrChecksum", err)
	}
}

func TestFrameOversizePayloadRejectedBeforeRead(t *testing.T) {
	var hdr [HeaderSize]byte
	hdr[0] = byte(TypeRequest)
	binary.BigEndian.PutUint32(hdr[8:12], MaxPayload+1)

	// Only the header is supplied: the oversize length must be rejected
	// without attempting to read (or allocate) the payload.
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	err := WriteFrame(io.Discard, Frame{Type: TypeRequest, Payload: make([]byte, MaxPayload+1)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestFrameTruncatedHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want ErrUnexpectedEOF", err)
	}
}
