package shmem

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Producer-side helpers. The Windows agent is the normal producer; these
// exist for tests and the loopback simulator, and double as the layout's
// executable documentation.

// InitBuffer formats a per-window buffer in place: header first, then
// slotCount zeroed slots of slotSize bytes each.
func InitBuffer(buf []byte, slotCount, slotSize, maxWidth, maxHeight uint32) error {
	if slotSize < SlotHeaderSize {
		return fmt.Errorf("slot size %d below header size %d", slotSize, SlotHeaderSize)
	}
	need := uint64(HeaderSize) + uint64(slotCount)*uint64(slotSize)
	if need > uint64(len(buf)) {
		return fmt.Errorf("buffer too small: need %d, have %d", need, len(buf))
	}

	for i := 0; i < HeaderSize; i++ {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[offMagic:], Magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], LayoutVersion)
	binary.LittleEndian.PutUint32(buf[offTotalSize:], uint32(need))
	binary.LittleEndian.PutUint32(buf[offSlotCount:], slotCount)
	binary.LittleEndian.PutUint32(buf[offSlotSize:], slotSize)
	binary.LittleEndian.PutUint32(buf[offMaxWidth:], maxWidth)
	binary.LittleEndian.PutUint32(buf[offMaxHeight:], maxHeight)
	return nil
}

// WriteFrame writes one frame into the slot at writeIndex and publishes
// the new write index with release semantics. It fails when the ring is
// full or the payload does not fit a slot.
func WriteFrame(buf []byte, f *Frame) error {
	slotCount := binary.LittleEndian.Uint32(buf[offSlotCount:])
	slotSize := binary.LittleEndian.Uint32(buf[offSlotSize:])
	if slotCount == 0 {
		return fmt.Errorf("unformatted buffer")
	}
	if uint32(len(f.Data)) > slotSize-SlotHeaderSize {
		return fmt.Errorf("frame data %d exceeds slot capacity %d", len(f.Data), slotSize-SlotHeaderSize)
	}

	wp := (*uint32)(unsafe.Pointer(&buf[offWriteIndex]))
	rp := (*uint32)(unsafe.Pointer(&buf[offReadIndex]))
	w := atomic.LoadUint32(wp)
	r := atomic.LoadUint32(rp)
	if (w-r)%slotCount == slotCount-1 {
		return fmt.Errorf("ring full")
	}

	slot := buf[HeaderSize+int(w%slotCount)*int(slotSize):]
	binary.LittleEndian.PutUint64(slot[slotOffWindowID:], f.WindowID)
	binary.LittleEndian.PutUint32(slot[slotOffFrameNumber:], f.FrameNumber)
	binary.LittleEndian.PutUint32(slot[slotOffWidth:], f.Width)
	binary.LittleEndian.PutUint32(slot[slotOffHeight:], f.Height)
	binary.LittleEndian.PutUint32(slot[slotOffStride:], f.Stride)
	binary.LittleEndian.PutUint32(slot[slotOffFormat:], f.Format)
	binary.LittleEndian.PutUint32(slot[slotOffDataSize:], uint32(len(f.Data)))
	binary.LittleEndian.PutUint32(slot[slotOffFlags:], f.Flags)
	copy(slot[SlotHeaderSize:], f.Data)

	atomic.StoreUint32(wp, w+1)
	return nil
}
