package ipc

import (
	"bytes"
	"testing"
)

func TestFrameRoundtrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{"empty payload", &Frame{Op: OpVMStatus, RequestID: 1}},
		{"request with payload", &Frame{Op: OpCloseSession, RequestID: 42, Payload: []byte{0x81, 0xA1, 0x61, 0x01}}},
		{"result", &Frame{Op: OpResult, RequestID: 42, Payload: []byte("x")}},
		{"progress", &Frame{Op: OpProgress, RequestID: 7, Payload: bytes.Repeat([]byte{0xCC}, 1024)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.frame); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got.Op != tt.frame.Op || got.RequestID != tt.frame.RequestID {
				t.Errorf("header = %+v, want %+v", got, tt.frame)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	raw := make([]byte, FrameHeaderSize)
	raw[0], raw[1] = 0xFF, 0xFF
	raw[2] = Version
	if _, err := ReadFrame(bytes.NewReader(raw)); err == nil {
		t.Error("expected error for bad magic")
	}
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	raw := make([]byte, FrameHeaderSize)
	raw[0], raw[1] = Magic[0], Magic[1]
	raw[2] = 0x7F
	if _, err := ReadFrame(bytes.NewReader(raw)); err == nil {
		t.Error("expected error for bad version")
	}
}

func TestEncodeDecodePayload(t *testing.T) {
	req := &CloseSessionRequest{SessionID: "s-99"}
	f, err := EncodeFrame(OpCloseSession, 3, req)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	var got CloseSessionRequest
	if err := DecodePayload(f, &got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got.SessionID != "s-99" {
		t.Errorf("SessionID = %q", got.SessionID)
	}
}
