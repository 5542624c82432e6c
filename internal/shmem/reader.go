package shmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrBufferTooSmall indicates a buffer shorter than the header.
	ErrBufferTooSmall = errors.New("shared buffer too small")

	// ErrInvalidMagic indicates a buffer whose header magic does not match.
	ErrInvalidMagic = errors.New("invalid shared buffer magic")

	// ErrInvalidVersion indicates an unsupported buffer layout version.
	ErrInvalidVersion = errors.New("invalid shared buffer version")

	// ErrBadGeometry indicates slot geometry that does not fit the buffer.
	ErrBadGeometry = errors.New("slot geometry exceeds buffer")

	// ErrMisaligned indicates a buffer whose base is not 8-byte aligned.
	ErrMisaligned = errors.New("shared buffer misaligned")
)

// Frame is one frame copied out of a ring slot. Data is caller-owned;
// it never aliases the shared region.
type Frame struct {
	WindowID    uint64
	FrameNumber uint32
	Width       uint32
	Height      uint32
	Stride      uint32
	Format      uint32
	Flags       uint32
	Data        []byte
}

// Compressed reports whether the slot carried a compressed payload.
func (f *Frame) Compressed() bool { return f.Flags&SlotFlagCompressed != 0 }

// KeyFrame reports whether the slot carried a key frame.
func (f *Frame) KeyFrame() bool { return f.Flags&SlotFlagKeyFrame != 0 }

// RingReader consumes frames from one per-window buffer inside the
// shared region. It does not own the memory; the router does. At most
// one reader exists per window at a time, enforced by the router.
type RingReader struct {
	buf    []byte
	logger *slog.Logger

	slotCount uint32
	slotSize  uint32

	droppedFrames atomic.Uint64
}

// NewReader creates a reader over one window's buffer. Validate must
// succeed before frames are read.
func NewReader(buf []byte, logger *slog.Logger) *RingReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &RingReader{buf: buf, logger: logger}
}

// Validate checks the buffer size, magic, version and slot geometry.
func (r *RingReader) Validate() error {
	if len(r.buf) < HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrBufferTooSmall, len(r.buf))
	}
	if uintptr(unsafe.Pointer(&r.buf[0]))%8 != 0 {
		return ErrMisaligned
	}
	if m := binary.LittleEndian.Uint32(r.buf[offMagic:]); m != Magic {
		return fmt.Errorf("%w: 0x%08X", ErrInvalidMagic, m)
	}
	if v := binary.LittleEndian.Uint32(r.buf[offVersion:]); v != LayoutVersion {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, v)
	}

	slotCount := binary.LittleEndian.Uint32(r.buf[offSlotCount:])
	slotSize := binary.LittleEndian.Uint32(r.buf[offSlotSize:])
	if slotCount == 0 || slotSize < SlotHeaderSize {
		return fmt.Errorf("%w: slotCount=%d slotSize=%d", ErrBadGeometry, slotCount, slotSize)
	}
	need := uint64(HeaderSize) + uint64(slotCount)*uint64(slotSize)
	if need > uint64(len(r.buf)) {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrBadGeometry, need, len(r.buf))
	}

	r.slotCount = slotCount
	r.slotSize = slotSize
	return nil
}

// loadWriteIndex reads the producer index with acquire semantics.
func (r *RingReader) loadWriteIndex() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.buf[offWriteIndex])))
}

func (r *RingReader) loadReadIndex() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.buf[offReadIndex])))
}

// storeReadIndex publishes the consumer index with release semantics.
func (r *RingReader) storeReadIndex(v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.buf[offReadIndex])), v)
}

// AvailableFrameCount returns (writeIndex − readIndex) mod slotCount.
func (r *RingReader) AvailableFrameCount() uint32 {
	if r.slotCount == 0 {
		return 0
	}
	w := r.loadWriteIndex()
	rd := r.loadReadIndex()
	return (w - rd) % r.slotCount
}

// HasFrames reports whether at least one unread frame exists.
func (r *RingReader) HasFrames() bool { return r.AvailableFrameCount() > 0 }

// DroppedFrames returns the count of malformed slots skipped so far.
func (r *RingReader) DroppedFrames() uint64 { return r.droppedFrames.Load() }

// ReadNextFrame returns the next frame, or nil when the ring is empty.
// Pixel bytes are copied into a fresh buffer of exactly dataSize; the
// reader holds no reference into the shared region afterwards. A
// malformed slot header is dropped, the read index still advances, and
// a warning is logged.
func (r *RingReader) ReadNextFrame() *Frame {
	for {
		w := r.loadWriteIndex()
		rd := r.loadReadIndex()
		if (w-rd)%r.slotCount == 0 {
			return nil
		}

		slot := r.buf[HeaderSize+int(rd%r.slotCount)*int(r.slotSize):]
		frame, ok := r.copySlot(slot[:r.slotSize])
		r.storeReadIndex(rd + 1)
		if !ok {
			r.droppedFrames.Add(1)
			continue
		}
		return frame
	}
}

func (r *RingReader) copySlot(slot []byte) (*Frame, bool) {
	f := Frame{
		WindowID:    binary.LittleEndian.Uint64(slot[slotOffWindowID:]),
		FrameNumber: binary.LittleEndian.Uint32(slot[slotOffFrameNumber:]),
		Width:       binary.LittleEndian.Uint32(slot[slotOffWidth:]),
		Height:      binary.LittleEndian.Uint32(slot[slotOffHeight:]),
		Stride:      binary.LittleEndian.Uint32(slot[slotOffStride:]),
		Format:      binary.LittleEndian.Uint32(slot[slotOffFormat:]),
		Flags:       binary.LittleEndian.Uint32(slot[slotOffFlags:]),
	}
	dataSize := binary.LittleEndian.Uint32(slot[slotOffDataSize:])

	if dataSize > r.slotSize-SlotHeaderSize || f.Width == 0 || f.Height == 0 ||
		f.Width > 1<<15 || f.Height > 1<<15 {
		r.logger.Warn("dropping malformed frame slot",
			"windowId", f.WindowID,
			"frameNumber", f.FrameNumber,
			"dataSize", dataSize,
			"width", f.Width,
			"height", f.Height,
		)
		return nil, false
	}

	f.Data = make([]byte, dataSize)
	copy(f.Data, slot[SlotHeaderSize:SlotHeaderSize+int(dataSize)])
	return &f, true
}

// SetHostActive sets or clears the hostActive header flag.
func (r *RingReader) SetHostActive(active bool) {
	p := (*uint32)(unsafe.Pointer(&r.buf[offFlags]))
	for {
		old := atomic.LoadUint32(p)
		next := old | FlagHostActive
		if !active {
			next = old &^ FlagHostActive
		}
		if atomic.CompareAndSwapUint32(p, old, next) {
			return
		}
	}
}

// HostActive reports the current hostActive flag.
func (r *RingReader) HostActive() bool {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.buf[offFlags])))&FlagHostActive != 0
}
