package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestSerializeTryReadRoundtrip(t *testing.T) {
	tests := []struct {
		name   string
		msg    Message
		expect Direction
	}{
		{
			name:   "launch program",
			msg:    &LaunchProgram{MessageID: 7, WindowsPath: `C:\Windows\notepad.exe`, Arguments: []string{"a.txt"}},
			expect: HostToGuest,
		},
		{
			name:   "mouse input",
			msg:    &MouseInput{WindowID: 100, X: 10, Y: 20, EventType: MouseEventPress, Button: MouseButtonLeft},
			expect: HostToGuest,
		},
		{
			name:   "shutdown",
			msg:    &Shutdown{MessageID: 3, TimeoutMs: 5000},
			expect: HostToGuest,
		},
		{
			name:   "capability flags",
			msg:    &CapabilityFlags{Capabilities: CapWindowTracking | CapClipboardSync, ProtocolVersion: Version, AgentVersion: "1.2.0"},
			expect: GuestToHost,
		},
		{
			name:   "frame ready",
			msg:    &FrameReady{WindowID: 100, SlotIndex: 2, FrameNumber: 41},
			expect: GuestToHost,
		},
		{
			name: "buffer allocated",
			msg: &WindowBufferAllocated{
				WindowID: 200, BufferOffset: 4096, BufferSize: 1 << 20,
				SlotSize: 65536, SlotCount: 3, UsesSharedMemory: true,
			},
			expect: GuestToHost,
		},
		{
			name:   "session list",
			msg:    &SessionList{MessageID: 9, Sessions: []GuestSession{{SessionID: "s1", ProgramPath: `C:\a.exe`}}},
			expect: GuestToHost,
		},
		{
			name:   "ack",
			msg:    &Ack{MessageID: 12, Success: true},
			expect: GuestToHost,
		},
		{
			name:   "error",
			msg:    &ErrorMessage{MessageID: 12, Code: "E_NOT_FOUND", Message: "no such session"},
			expect: GuestToHost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Serialize(tt.msg)
			if err != nil {
				t.Fatalf("Serialize: %v", err)
			}
			consumed, got, err := TryRead(raw, tt.expect)
			if err != nil {
				t.Fatalf("TryRead: %v", err)
			}
			if consumed != len(raw) {
				t.Errorf("consumed %d, want %d", consumed, len(raw))
			}
			if got.MessageType() != tt.msg.MessageType() {
				t.Errorf("type 0x%02X, want 0x%02X", byte(got.MessageType()), byte(tt.msg.MessageType()))
			}

			// serialize(deserialize(f)) == f for well-formed envelopes
			again, err := Serialize(got)
			if err != nil {
				t.Fatalf("re-Serialize: %v", err)
			}
			if !bytes.Equal(raw, again) {
				t.Errorf("round trip mismatch:\n  first  %q\n  second %q", raw, again)
			}
		})
	}
}

func TestTryReadPartialBuffers(t *testing.T) {
	raw, err := Serialize(&FrameReady{WindowID: 1, FrameNumber: 5})
	if err != nil {
		t.Fatal(err)
	}

	// Every strict prefix must consume nothing and report no error.
	for i := 0; i < len(raw); i++ {
		consumed, msg, err := TryRead(raw[:i], GuestToHost)
		if err != nil {
			t.Fatalf("prefix %d: unexpected error %v", i, err)
		}
		if consumed != 0 || msg != nil {
			t.Fatalf("prefix %d: consumed=%d msg=%v, want 0/nil", i, consumed, msg)
		}
	}
}

func TestTryReadConcatenatedSequence(t *testing.T) {
	msgs := []Message{
		&Heartbeat{UptimeSeconds: 60, ActiveWindows: 2},
		&FrameReady{WindowID: 100, SlotIndex: 0, FrameNumber: 1},
		&WindowMetadata{WindowID: 100, Title: "Notepad", Width: 800, Height: 600},
		&Ack{MessageID: 4, Success: true},
	}

	var stream []byte
	for _, m := range msgs {
		raw, err := Serialize(m)
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, raw...)
	}

	var got []MessageType
	for len(stream) > 0 {
		consumed, msg, err := TryRead(stream, GuestToHost)
		if err != nil {
			t.Fatalf("TryRead: %v", err)
		}
		if consumed == 0 {
			t.Fatal("TryRead stalled on complete stream")
		}
		got = append(got, msg.MessageType())
		stream = stream[consumed:]
	}

	if len(got) != len(msgs) {
		t.Fatalf("decoded %d messages, want %d", len(got), len(msgs))
	}
	for i, m := range msgs {
		if got[i] != m.MessageType() {
			t.Errorf("message %d: type 0x%02X, want 0x%02X", i, byte(got[i]), byte(m.MessageType()))
		}
	}
}

func TestTryReadUnknownType(t *testing.T) {
	buf := make([]byte, HeaderSize+2)
	buf[0] = 0x7E // unassigned host→guest type
	binary.LittleEndian.PutUint32(buf[1:5], 2)
	copy(buf[HeaderSize:], "{}")

	consumed, _, err := TryRead(buf, HostToGuest)
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("err = %v, want ErrUnknownMessageType", err)
	}
	if consumed != 0 {
		t.Errorf("consumed %d on unknown type, want 0", consumed)
	}
}

func TestTryReadWrongDirection(t *testing.T) {
	// FrameReady is guest→host; reading it while expecting host→guest
	// traffic must be treated as an unknown type.
	raw, err := Serialize(&FrameReady{WindowID: 1})
	if err != nil {
		t.Fatal(err)
	}
	consumed, _, err := TryRead(raw, HostToGuest)
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("err = %v, want ErrUnknownMessageType", err)
	}
	if consumed != 0 {
		t.Errorf("consumed %d, want 0", consumed)
	}
}

func TestTryReadDecodeFailure(t *testing.T) {
	payload := []byte(`{"windowId":`) // truncated JSON
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(TypeFrameReady)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	consumed, _, err := TryRead(buf, GuestToHost)
	if !errors.Is(err, ErrDecodeFailure) {
		t.Fatalf("err = %v, want ErrDecodeFailure", err)
	}
	if consumed != len(buf) {
		t.Errorf("consumed %d, want %d (frame must be skipped)", consumed, len(buf))
	}
}

func TestDeserializeTrailingBytes(t *testing.T) {
	raw, err := Serialize(&Heartbeat{UptimeSeconds: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Deserialize(append(raw, 0x00), GuestToHost); err == nil {
		t.Error("expected error for trailing bytes")
	}
	if _, _, err := Deserialize(raw, GuestToHost); err != nil {
		t.Errorf("Deserialize: %v", err)
	}
}

func TestVersionRoundtrip(t *testing.T) {
	tests := []struct{ major, minor uint16 }{
		{0, 0}, {1, 0}, {1, 7}, {2, 65535}, {65535, 65535},
	}
	for _, tt := range tests {
		major, minor := ParseVersion(CombineVersion(tt.major, tt.minor))
		if major != tt.major || minor != tt.minor {
			t.Errorf("round trip (%d,%d) -> (%d,%d)", tt.major, tt.minor, major, minor)
		}
	}
}

func TestVersionCompatibility(t *testing.T) {
	tests := []struct {
		name          string
		local, remote uint32
		want          bool
	}{
		{"equal", CombineVersion(1, 2), CombineVersion(1, 2), true},
		{"remote older minor", CombineVersion(1, 2), CombineVersion(1, 0), true},
		{"remote newer minor", CombineVersion(1, 2), CombineVersion(1, 3), false},
		{"major mismatch", CombineVersion(2, 0), CombineVersion(1, 9), false},
		{"major mismatch reversed", CombineVersion(1, 9), CombineVersion(2, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compatible(tt.local, tt.remote); got != tt.want {
				t.Errorf("Compatible(%s, %s) = %v, want %v",
					FormatVersion(tt.local), FormatVersion(tt.remote), got, tt.want)
			}
		})
	}
}
