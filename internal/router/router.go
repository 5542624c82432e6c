// Package router owns the shared frame region: it maps guest buffer
// descriptors to ring readers and routes FrameReady notifications to
// the registered window streams.
package router

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/winrun/winrun/internal/protocol"
	"github.com/winrun/winrun/internal/shmem"
	"github.com/winrun/winrun/internal/stream"
)

// windowBuffer pairs a guest descriptor with the reader created for it.
// A stored descriptor with a nil reader is a deferred or rejected
// allocation, kept for diagnostics.
type windowBuffer struct {
	desc   protocol.WindowBufferAllocated
	reader *shmem.RingReader
}

// Router routes frames. All operations serialize on one mutex so that
// allocation, registration, and routing cannot race; registrations are
// dropped by explicit unregister, never by the router on its own.
type Router struct {
	logger *slog.Logger

	mu      sync.Mutex
	region  []byte
	buffers map[uint64]*windowBuffer
	streams map[uint64]*stream.WindowStream

	droppedFrameReady   atomic.Uint64
	rejectedBuffers     atomic.Uint64
	routedNotifications atomic.Uint64
}

// New creates an empty router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:  logger,
		buffers: make(map[uint64]*windowBuffer),
		streams: make(map[uint64]*stream.WindowStream),
	}
}

// SetSharedMemoryRegion installs the mapped region and attempts to
// create readers for every deferred descriptor. Idempotent.
func (r *Router) SetSharedMemoryRegion(region []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.region = region
	for windowID, wb := range r.buffers {
		if wb.reader == nil {
			r.createReaderLocked(windowID, wb)
		}
	}
}

// ClearSharedMemoryRegion drops the region and all readers. Descriptors
// are kept and re-resolved when a region is installed again.
func (r *Router) ClearSharedMemoryRegion() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.region = nil
	for windowID, wb := range r.buffers {
		if wb.reader != nil {
			wb.reader.SetHostActive(false)
			wb.reader = nil
		}
		if s, ok := r.streams[windowID]; ok {
			s.DetachReader()
		}
	}
}

// RegisterStream binds a stream to its window id. An existing reader for
// that window attaches immediately.
func (r *Router) RegisterStream(s *stream.WindowStream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	windowID := s.WindowID()
	r.streams[windowID] = s
	if wb, ok := r.buffers[windowID]; ok && wb.reader != nil {
		s.AttachReader(wb.reader)
	}
}

// UnregisterStream removes the stream registration for windowID.
func (r *Router) UnregisterStream(windowID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[windowID]; ok {
		s.DetachReader()
		delete(r.streams, windowID)
	}
}

// UnregisterAllStreams drops every registration along with all buffer
// descriptors and readers.
func (r *Router) UnregisterAllStreams() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.streams {
		s.DetachReader()
	}
	r.streams = make(map[uint64]*stream.WindowStream)
	for _, wb := range r.buffers {
		if wb.reader != nil {
			wb.reader.SetHostActive(false)
		}
	}
	r.buffers = make(map[uint64]*windowBuffer)
}

// HandleBufferAllocation stores the descriptor and, when the region is
// present and the descriptor is valid, creates a reader and attaches it
// to the registered stream. A reallocation closes and replaces the
// existing reader.
func (r *Router) HandleBufferAllocation(desc *protocol.WindowBufferAllocated) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wb, existed := r.buffers[desc.WindowID]
	if existed && wb.reader != nil {
		wb.reader.SetHostActive(false)
		if s, ok := r.streams[desc.WindowID]; ok {
			s.DetachReader()
		}
	}
	wb = &windowBuffer{desc: *desc}
	r.buffers[desc.WindowID] = wb

	if existed && !desc.IsReallocation {
		r.logger.Debug("buffer descriptor replaced without reallocation flag", "windowId", desc.WindowID)
	}

	if !desc.UsesSharedMemory {
		// Frames for this window arrive by message; no reader.
		return
	}
	if r.region == nil {
		// Deferred until a region is installed.
		return
	}
	r.createReaderLocked(desc.WindowID, wb)
}

// createReaderLocked validates the descriptor against the region and
// builds the reader. The descriptor stays stored either way so rejected
// allocations remain observable.
func (r *Router) createReaderLocked(windowID uint64, wb *windowBuffer) {
	desc := &wb.desc
	if !desc.UsesSharedMemory {
		return
	}

	regionSize := uint64(len(r.region))
	if desc.BufferOffset+desc.BufferSize > regionSize {
		r.rejectedBuffers.Add(1)
		r.logger.Warn("buffer descriptor out of region bounds",
			"windowId", windowID,
			"offset", desc.BufferOffset,
			"size", desc.BufferSize,
			"regionSize", regionSize,
		)
		return
	}
	if uint64(desc.SlotCount)*uint64(desc.SlotSize)+shmem.HeaderSize > desc.BufferSize {
		r.rejectedBuffers.Add(1)
		r.logger.Warn("slot geometry exceeds buffer",
			"windowId", windowID,
			"slotCount", desc.SlotCount,
			"slotSize", desc.SlotSize,
			"bufferSize", desc.BufferSize,
		)
		return
	}

	buf := r.region[desc.BufferOffset : desc.BufferOffset+desc.BufferSize]
	reader := shmem.NewReader(buf, r.logger)
	if err := reader.Validate(); err != nil {
		r.rejectedBuffers.Add(1)
		r.logger.Warn("buffer header validation failed", "windowId", windowID, "error", err)
		return
	}

	wb.reader = reader
	if s, ok := r.streams[windowID]; ok {
		s.AttachReader(reader)
	}
}

// RouteFrameReady locates the registered stream for the notification's
// window and instructs it to drain. Notifications for unknown windows
// are dropped silently and counted.
func (r *Router) RouteFrameReady(n *protocol.FrameReady) {
	r.mu.Lock()
	s, ok := r.streams[n.WindowID]
	var hasReader bool
	if wb, found := r.buffers[n.WindowID]; found {
		hasReader = wb.reader != nil
	}
	r.mu.Unlock()

	if !ok || !hasReader {
		r.droppedFrameReady.Add(1)
		return
	}
	r.routedNotifications.Add(1)
	s.DrainFrames(n.FrameNumber)
}

// --- control.Delegate hooks ---

// DidReceiveFrameReady routes a FrameReady from the control channel.
func (r *Router) DidReceiveFrameReady(n *protocol.FrameReady) {
	r.RouteFrameReady(n)
}

// DidReceiveBufferAllocation delegates to HandleBufferAllocation.
func (r *Router) DidReceiveBufferAllocation(d *protocol.WindowBufferAllocated) {
	r.HandleBufferAllocation(d)
}

// Metrics is a router counter snapshot.
type Metrics struct {
	RegisteredStreams   int
	TrackedBuffers      int
	DroppedFrameReady   uint64
	RejectedBuffers     uint64
	RoutedNotifications uint64
}

// Metrics returns current counters.
func (r *Router) Metrics() Metrics {
	r.mu.Lock()
	streams := len(r.streams)
	buffers := len(r.buffers)
	r.mu.Unlock()

	return Metrics{
		RegisteredStreams:   streams,
		TrackedBuffers:      buffers,
		DroppedFrameReady:   r.droppedFrameReady.Load(),
		RejectedBuffers:     r.rejectedBuffers.Load(),
		RoutedNotifications: r.routedNotifications.Load(),
	}
}
