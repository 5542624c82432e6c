// Package shmem implements the per-window shared-frame ring carved out
// of the host-allocated shared memory region. The guest agent is the
// producer; the host window stream is the single consumer.
package shmem

// Layout constants are part of the wire contract with the guest agent.
const (
	// Magic identifies a formatted per-window buffer ("WRFB").
	Magic uint32 = 0x57524642

	// LayoutVersion is validated on attach.
	LayoutVersion uint32 = 1

	// HeaderSize is the size of SharedFrameBufferHeader, 8-byte aligned.
	HeaderSize = 64

	// SlotHeaderSize is the size of FrameSlotHeader.
	SlotHeaderSize = 36
)

// SharedFrameBufferHeader field offsets.
const (
	offMagic      = 0
	offVersion    = 4
	offTotalSize  = 8
	offSlotCount  = 12
	offSlotSize   = 16
	offMaxWidth   = 20
	offMaxHeight  = 24
	offWriteIndex = 28
	offReadIndex  = 32
	offFlags      = 36
)

// Header flag bits.
const (
	// FlagHostActive is set while a host reader is attached.
	FlagHostActive uint32 = 1 << 0
)

// FrameSlotHeader field offsets, relative to the slot start.
const (
	slotOffWindowID    = 0
	slotOffFrameNumber = 8
	slotOffWidth       = 12
	slotOffHeight      = 16
	slotOffStride      = 20
	slotOffFormat      = 24
	slotOffDataSize    = 28
	slotOffFlags       = 32
)

// FrameSlot flag bits.
const (
	SlotFlagCompressed uint32 = 1 << 0
	SlotFlagKeyFrame   uint32 = 1 << 1
)
