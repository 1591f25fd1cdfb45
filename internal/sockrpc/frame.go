// Package sockrpc implements the unix-socket transport: a fixed 16-byte
// binary header followed by a JSON payload, with the same request semantics
// as the HTTP facade.
package sockrpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Header layout, all multi-byte fields big-endian:
//
//	offset 0  type          uint8
//	offset 1  flags         uint8
//	offset 2  reserved      uint16
//	offset 4  request id    uint32
//	offset 8  payload len   uint32
//	offset 12 checksum      uint32 (CRC32 IEEE of the payload)
const HeaderSize = 16

// MaxPayload caps a single frame's payload.
const MaxPayload = 10 << 20

type MsgType uint8

const (
	TypeRequest     MsgType = 1
	TypeResponse    MsgType = 2
	TypeStreamChunk MsgType = 3
	TypeStreamEnd   MsgType = 4
	TypeError       MsgType = 5
	TypePing        MsgType = 6
	TypePong        MsgType = 7
)

// FlagStream marks a request as streaming and its response frames as
// members of a stream.
const FlagStream uint8 = 0x01

var (
	ErrPayloadTooLarge = errors.New("sockrpc: payload exceeds maximum size")
	ErrChecksum        = errors.New("sockrpc: payload checksum mismatch")
)

type Frame struct {
	Type      MsgType
	Flags     uint8
	RequestID uint32
	Payload   []byte
}

// WriteFrame encodes f onto w.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	var hdr [HeaderSize]byte
	hdr[0] = byte(f.Type)
	hdr[1] = f.Flags
	binary.BigEndian.PutUint32(hdr[4:8], f.RequestID)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(hdr[12:16], crc32.ChecksumIEEE(f.Payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame decodes one frame from r, verifying length bounds and checksum.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	f := Frame{
		Type:      MsgType(hdr[0]),
		Flags:     hdr[1],
		RequestID: binary.BigEndian.Uint32(hdr[4:8]),
	}
	n := binary.BigEndian.Uint32(hdr[8:12])
	if n > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	sum := binary.BigEndian.Uint32(hdr[12:16])
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	if crc32.ChecksumIEEE(f.Payload) != sum {
		return Frame{}, ErrChecksum
	}
	return f, nil
}
