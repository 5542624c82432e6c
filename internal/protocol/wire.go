package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Every control message is a typed envelope:
//
//	<type:u8><length:u32 little-endian><payload:JSON>
//
// Types below 0x80 travel host→guest; 0x80 and above travel guest→host.

// HeaderSize is the fixed size of an envelope header in bytes.
const HeaderSize = 5

// MaxPayloadSize bounds a single envelope payload. Frames are expected to
// go through shared memory; nothing on the control channel comes close.
const MaxPayloadSize = 64 * 1024 * 1024

// MessageType identifies the purpose of an envelope.
type MessageType uint8

// Host → guest message types.
const (
	TypeLaunchProgram MessageType = 0x01
	TypeRequestIcon   MessageType = 0x02
	TypeClipboardData MessageType = 0x03
	TypeMouseInput    MessageType = 0x04
	TypeKeyboardInput MessageType = 0x05
	TypeDragDropEvent MessageType = 0x06
	TypeListSessions  MessageType = 0x08
	TypeCloseSession  MessageType = 0x09
	TypeListShortcuts MessageType = 0x0A
	TypeShutdown      MessageType = 0x0F
)

// Guest → host message types.
const (
	TypeWindowMetadata        MessageType = 0x80
	TypeFrameData             MessageType = 0x81
	TypeCapabilityFlags       MessageType = 0x82
	TypeDpiInfo               MessageType = 0x83
	TypeIconData              MessageType = 0x84
	TypeShortcutDetected      MessageType = 0x85
	TypeClipboardChanged      MessageType = 0x86
	TypeHeartbeat             MessageType = 0x87
	TypeTelemetryReport       MessageType = 0x88
	TypeProvisionProgress     MessageType = 0x89
	TypeProvisionError        MessageType = 0x8A
	TypeProvisionComplete     MessageType = 0x8B
	TypeSessionList           MessageType = 0x8C
	TypeShortcutList          MessageType = 0x8D
	TypeFrameReady            MessageType = 0x8E
	TypeWindowBufferAllocated MessageType = 0x8F
	TypeError                 MessageType = 0xFE
	TypeAck                   MessageType = 0xFF
)

// Direction tells which side of the 0x80 divide a message belongs to.
type Direction uint8

const (
	HostToGuest Direction = iota
	GuestToHost
)

// DirectionOf returns the direction a message type travels.
func DirectionOf(t MessageType) Direction {
	if t < 0x80 {
		return HostToGuest
	}
	return GuestToHost
}

var (
	// ErrUnknownMessageType indicates a type byte with no catalog entry,
	// or a message arriving from the wrong side of the 0x80 divide.
	// The caller is expected to disconnect.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrDecodeFailure indicates a well-framed envelope whose JSON payload
	// could not be decoded into the catalog struct.
	ErrDecodeFailure = errors.New("payload decode failure")

	// ErrPayloadTooLarge indicates a declared length above MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Message is implemented by every catalog struct.
type Message interface {
	MessageType() MessageType
}

// catalog maps type bytes to payload constructors for decoding.
var catalog = map[MessageType]func() Message{
	TypeLaunchProgram:         func() Message { return &LaunchProgram{} },
	TypeRequestIcon:           func() Message { return &RequestIcon{} },
	TypeClipboardData:         func() Message { return &ClipboardData{} },
	TypeMouseInput:            func() Message { return &MouseInput{} },
	TypeKeyboardInput:         func() Message { return &KeyboardInput{} },
	TypeDragDropEvent:         func() Message { return &DragDropEvent{} },
	TypeListSessions:          func() Message { return &ListSessions{} },
	TypeCloseSession:          func() Message { return &CloseSession{} },
	TypeListShortcuts:         func() Message { return &ListShortcuts{} },
	TypeShutdown:              func() Message { return &Shutdown{} },
	TypeWindowMetadata:        func() Message { return &WindowMetadata{} },
	TypeFrameData:             func() Message { return &FrameData{} },
	TypeCapabilityFlags:       func() Message { return &CapabilityFlags{} },
	TypeDpiInfo:               func() Message { return &DpiInfo{} },
	TypeIconData:              func() Message { return &IconData{} },
	TypeShortcutDetected:      func() Message { return &ShortcutDetected{} },
	TypeClipboardChanged:      func() Message { return &ClipboardChanged{} },
	TypeHeartbeat:             func() Message { return &Heartbeat{} },
	TypeTelemetryReport:       func() Message { return &TelemetryReport{} },
	TypeProvisionProgress:     func() Message { return &ProvisionProgress{} },
	TypeProvisionError:        func() Message { return &ProvisionError{} },
	TypeProvisionComplete:     func() Message { return &ProvisionComplete{} },
	TypeSessionList:           func() Message { return &SessionList{} },
	TypeShortcutList:          func() Message { return &ShortcutList{} },
	TypeFrameReady:            func() Message { return &FrameReady{} },
	TypeWindowBufferAllocated: func() Message { return &WindowBufferAllocated{} },
	TypeError:                 func() Message { return &ErrorMessage{} },
	TypeAck:                   func() Message { return &Ack{} },
}

// Serialize encodes a message into a framed envelope.
func Serialize(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %T payload: %w", msg, err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(msg.MessageType())
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// TryRead attempts to decode one envelope from the front of buf.
//
// It returns consumed=0 with no message and no error when fewer than
// HeaderSize bytes are present or the declared length exceeds the
// remaining bytes; the caller should read more and retry. On success it
// consumes exactly HeaderSize+length bytes. An unknown type byte, or a
// message whose type travels in the opposite direction of expect,
// consumes nothing and returns ErrUnknownMessageType; the caller
// disconnects. A JSON failure consumes the envelope and returns
// ErrDecodeFailure.
func TryRead(buf []byte, expect Direction) (consumed int, msg Message, err error) {
	if len(buf) < HeaderSize {
		return 0, nil, nil
	}

	t := MessageType(buf[0])
	length := binary.LittleEndian.Uint32(buf[1:5])
	if length > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, length)
	}
	if len(buf) < HeaderSize+int(length) {
		return 0, nil, nil
	}

	ctor, ok := catalog[t]
	if !ok || DirectionOf(t) != expect {
		return 0, nil, fmt.Errorf("%w: 0x%02X", ErrUnknownMessageType, byte(t))
	}

	total := HeaderSize + int(length)
	msg = ctor()
	if err := json.Unmarshal(buf[HeaderSize:total], msg); err != nil {
		return total, nil, fmt.Errorf("%w: type 0x%02X: %v", ErrDecodeFailure, byte(t), err)
	}
	return total, msg, nil
}

// Deserialize decodes a single complete envelope. The buffer must hold
// exactly one envelope; trailing bytes are an error.
func Deserialize(buf []byte, expect Direction) (MessageType, Message, error) {
	consumed, msg, err := TryRead(buf, expect)
	if err != nil {
		return 0, nil, err
	}
	if msg == nil {
		return 0, nil, fmt.Errorf("truncated envelope: %d bytes", len(buf))
	}
	if consumed != len(buf) {
		return 0, nil, fmt.Errorf("trailing bytes after envelope: %d", len(buf)-consumed)
	}
	return msg.MessageType(), msg, nil
}
