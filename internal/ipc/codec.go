// Package ipc implements the privileged request/response surface used
// by the CLI and UI processes. Frames are msgpack-encoded and travel
// over a unix socket; every request passes authentication and rate
// limiting before dispatch.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Magic bytes identify winrun-ipc frames.
var Magic = [2]byte{0x57, 0x52} // "WR"

// Version is the current IPC framing version.
const Version uint8 = 0x01

// FrameHeaderSize is the fixed size of a frame header in bytes:
// magic(2) + version(1) + op(1) + requestID(4) + length(4).
const FrameHeaderSize = 12

// MaxFramePayload bounds one IPC payload.
const MaxFramePayload = 16 << 20

// Request operations.
const (
	OpVMStatus             uint8 = 0x01
	OpLaunchProgram        uint8 = 0x02
	OpListSessions         uint8 = 0x03
	OpCloseSession         uint8 = 0x04
	OpListShortcuts        uint8 = 0x05
	OpSyncShortcuts        uint8 = 0x06
	OpStartProvisioning    uint8 = 0x07
	OpCancelProvisioning   uint8 = 0x08
	OpRollbackProvisioning uint8 = 0x09
	OpMetrics              uint8 = 0x0A
)

// Response operations.
const (
	OpResult   uint8 = 0x80
	OpProgress uint8 = 0x81
	OpError    uint8 = 0x82
)

// Frame is a single IPC frame.
type Frame struct {
	Op        uint8
	RequestID uint32
	Payload   []byte // msgpack encoded
}

// WriteFrame encodes and writes a frame as a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxFramePayload {
		return fmt.Errorf("payload %d exceeds limit", len(f.Payload))
	}
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	buf[0] = Magic[0]
	buf[1] = Magic[1]
	buf[2] = Version
	buf[3] = f.Op
	binary.BigEndian.PutUint32(buf[4:8], f.RequestID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(f.Payload)))
	copy(buf[FrameHeaderSize:], f.Payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads and decodes one frame.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != Magic[0] || header[1] != Magic[1] {
		return nil, fmt.Errorf("invalid magic bytes: 0x%02x%02x", header[0], header[1])
	}
	if header[2] != Version {
		return nil, fmt.Errorf("unsupported IPC version: %d", header[2])
	}

	f := &Frame{
		Op:        header[3],
		RequestID: binary.BigEndian.Uint32(header[4:8]),
	}
	size := binary.BigEndian.Uint32(header[8:12])
	if size > MaxFramePayload {
		return nil, fmt.Errorf("payload %d exceeds limit", size)
	}
	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("reading frame payload (%d bytes): %w", size, err)
		}
	}
	return f, nil
}

// EncodeFrame builds a frame with a msgpack payload.
func EncodeFrame(op uint8, requestID uint32, v interface{}) (*Frame, error) {
	if v == nil {
		return &Frame{Op: op, RequestID: requestID}, nil
	}
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return &Frame{Op: op, RequestID: requestID, Payload: payload}, nil
}

// DecodePayload unmarshals a frame payload.
func DecodePayload(f *Frame, v interface{}) error {
	if err := msgpack.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
