package shmem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"testing"
)

const (
	testSlotSize  = SlotHeaderSize + 256
	testSlotCount = 4
)

func newTestBuffer(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, HeaderSize+testSlotCount*testSlotSize)
	if err := InitBuffer(buf, testSlotCount, testSlotSize, 1920, 1080); err != nil {
		t.Fatalf("InitBuffer: %v", err)
	}
	return buf
}

func newTestReader(t *testing.T, buf []byte) *RingReader {
	t.Helper()
	r := NewReader(buf, slog.New(slog.DiscardHandler))
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return r
}

func testFrame(windowID uint64, n uint32, data []byte) *Frame {
	return &Frame{
		WindowID:    windowID,
		FrameNumber: n,
		Width:       16,
		Height:      16,
		Stride:      64,
		Format:      0,
		Data:        data,
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(buf []byte) []byte
		wantErr error
	}{
		{
			name:    "too small",
			mutate:  func(buf []byte) []byte { return buf[:HeaderSize-1] },
			wantErr: ErrBufferTooSmall,
		},
		{
			name: "bad magic",
			mutate: func(buf []byte) []byte {
				binary.LittleEndian.PutUint32(buf[offMagic:], 0xDEADBEEF)
				return buf
			},
			wantErr: ErrInvalidMagic,
		},
		{
			name: "bad version",
			mutate: func(buf []byte) []byte {
				binary.LittleEndian.PutUint32(buf[offVersion:], 99)
				return buf
			},
			wantErr: ErrInvalidVersion,
		},
		{
			name: "geometry overflow",
			mutate: func(buf []byte) []byte {
				binary.LittleEndian.PutUint32(buf[offSlotCount:], 10000)
				return buf
			},
			wantErr: ErrBadGeometry,
		},
		{
			name: "zero slots",
			mutate: func(buf []byte) []byte {
				binary.LittleEndian.PutUint32(buf[offSlotCount:], 0)
				return buf
			},
			wantErr: ErrBadGeometry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := newTestBuffer(t)
			r := NewReader(tt.mutate(buf), slog.New(slog.DiscardHandler))
			if err := r.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadNextFrameEmpty(t *testing.T) {
	buf := newTestBuffer(t)
	r := newTestReader(t, buf)

	if r.HasFrames() {
		t.Error("fresh ring should be empty")
	}
	if f := r.ReadNextFrame(); f != nil {
		t.Errorf("ReadNextFrame on empty ring = %+v, want nil", f)
	}
}

func TestWriteReadRoundtrip(t *testing.T) {
	buf := newTestBuffer(t)
	r := newTestReader(t, buf)

	payload := []byte("pixel bytes here")
	if err := WriteFrame(buf, testFrame(100, 1, payload)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if got := r.AvailableFrameCount(); got != 1 {
		t.Fatalf("AvailableFrameCount = %d, want 1", got)
	}

	f := r.ReadNextFrame()
	if f == nil {
		t.Fatal("ReadNextFrame returned nil")
	}
	if f.WindowID != 100 || f.FrameNumber != 1 {
		t.Errorf("got windowId=%d frame=%d", f.WindowID, f.FrameNumber)
	}
	if !bytes.Equal(f.Data, payload) {
		t.Errorf("Data = %q, want %q", f.Data, payload)
	}
	if len(f.Data) != len(payload) {
		t.Errorf("Data length %d, want exactly dataSize %d", len(f.Data), len(payload))
	}
	if r.HasFrames() {
		t.Error("ring should be empty after drain")
	}
}

func TestAvailableCountAcrossWrap(t *testing.T) {
	buf := newTestBuffer(t)
	r := newTestReader(t, buf)

	// Fill and drain repeatedly so the indices run well past slotCount;
	// availableFrames must always be (write − read) mod slotCount.
	frame := uint32(0)
	for cycle := 0; cycle < 5; cycle++ {
		for i := 0; i < testSlotCount-1; i++ {
			frame++
			if err := WriteFrame(buf, testFrame(7, frame, []byte{1})); err != nil {
				t.Fatalf("cycle %d write %d: %v", cycle, i, err)
			}
			if got := r.AvailableFrameCount(); got != uint32(i+1) {
				t.Fatalf("cycle %d: available = %d, want %d", cycle, got, i+1)
			}
		}
		if err := WriteFrame(buf, testFrame(7, frame, []byte{1})); err == nil {
			t.Fatal("expected ring-full error")
		}
		for i := testSlotCount - 1; i > 0; i-- {
			if f := r.ReadNextFrame(); f == nil {
				t.Fatalf("cycle %d: premature empty", cycle)
			}
			if got := r.AvailableFrameCount(); got != uint32(i-1) {
				t.Fatalf("cycle %d: available after read = %d, want %d", cycle, got, i-1)
			}
		}
	}
}

func TestFrameOrderPreserved(t *testing.T) {
	buf := newTestBuffer(t)
	r := newTestReader(t, buf)

	for n := uint32(1); n <= 3; n++ {
		if err := WriteFrame(buf, testFrame(5, n, []byte{byte(n)})); err != nil {
			t.Fatal(err)
		}
	}
	for n := uint32(1); n <= 3; n++ {
		f := r.ReadNextFrame()
		if f == nil {
			t.Fatalf("frame %d: nil", n)
		}
		if f.FrameNumber != n {
			t.Errorf("frame order: got %d, want %d", f.FrameNumber, n)
		}
	}
}

func TestMalformedSlotDropped(t *testing.T) {
	buf := newTestBuffer(t)
	r := newTestReader(t, buf)

	if err := WriteFrame(buf, testFrame(9, 1, []byte("ok"))); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(buf, testFrame(9, 2, []byte("bad"))); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(buf, testFrame(9, 3, []byte("ok2"))); err != nil {
		t.Fatal(err)
	}

	// Corrupt the second slot's dataSize beyond slot capacity.
	slot := buf[HeaderSize+1*testSlotSize:]
	binary.LittleEndian.PutUint32(slot[slotOffDataSize:], testSlotSize)

	f := r.ReadNextFrame()
	if f == nil || f.FrameNumber != 1 {
		t.Fatalf("first frame = %+v, want frame 1", f)
	}

	// The malformed slot is skipped, never surfaced, and counted.
	f = r.ReadNextFrame()
	if f == nil || f.FrameNumber != 3 {
		t.Fatalf("after malformed slot got %+v, want frame 3", f)
	}
	if got := r.DroppedFrames(); got != 1 {
		t.Errorf("DroppedFrames = %d, want 1", got)
	}
	if r.HasFrames() {
		t.Error("ring should be drained")
	}
}

func TestHostActiveFlag(t *testing.T) {
	buf := newTestBuffer(t)
	r := newTestReader(t, buf)

	if r.HostActive() {
		t.Error("hostActive set before attach")
	}
	r.SetHostActive(true)
	if !r.HostActive() {
		t.Error("hostActive not set")
	}
	if binary.LittleEndian.Uint32(buf[offFlags:])&FlagHostActive == 0 {
		t.Error("hostActive bit not visible in raw header")
	}
	r.SetHostActive(false)
	if r.HostActive() {
		t.Error("hostActive not cleared")
	}
}

func TestFileRegionRoundtrip(t *testing.T) {
	path := t.TempDir() + "/frames.region"
	region, err := NewFileRegion(path, 1<<20)
	if err != nil {
		t.Fatalf("NewFileRegion: %v", err)
	}
	defer region.Close()

	buf := region.Bytes()
	if err := InitBuffer(buf, testSlotCount, testSlotSize, 640, 480); err != nil {
		t.Fatalf("InitBuffer: %v", err)
	}
	r := newTestReader(t, buf)
	if err := WriteFrame(buf, testFrame(1, 1, []byte("mapped"))); err != nil {
		t.Fatal(err)
	}
	f := r.ReadNextFrame()
	if f == nil || string(f.Data) != "mapped" {
		t.Fatalf("frame through mapped region = %+v", f)
	}
	if err := region.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
