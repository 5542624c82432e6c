// Package stream implements the per-window host stream: lifecycle with
// backoff reconnection, frame drain from the shared ring, and input
// forwarding.
package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/winrun/winrun/internal/protocol"
	"github.com/winrun/winrun/internal/shmem"
)

// dispatchQueueDepth bounds the delegate event queue. Frames beyond it
// are dropped and counted rather than blocking the transport.
const dispatchQueueDepth = 256

// Metrics counts per-stream activity.
type Metrics struct {
	FramesReceived  uint64
	MetadataUpdates uint64
	FramesDropped   uint64
}

// WindowStream is the host side of one projected window.
type WindowStream struct {
	windowID  uint64
	transport Transport
	delegate  Delegate
	backoff   Backoff
	logger    *slog.Logger

	mu                 sync.Mutex
	state              State
	paused             bool
	userInitiatedClose bool
	reconnectAttempt   int
	reconnectTimer     *time.Timer
	reader             *shmem.RingReader
	closeDelivered     bool

	framesReceived  atomic.Uint64
	metadataUpdates atomic.Uint64
	framesDropped   atomic.Uint64

	events    chan func()
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a stream for windowID. The delegate may be nil.
func New(windowID uint64, transport Transport, delegate Delegate, backoff Backoff, logger *slog.Logger) *WindowStream {
	if delegate == nil {
		delegate = NopDelegate{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &WindowStream{
		windowID:  windowID,
		transport: transport,
		delegate:  delegate,
		backoff:   backoff,
		logger:    logger.With("windowId", windowID),
		state:     StateDisconnected,
		events:    make(chan func(), dispatchQueueDepth),
		done:      make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// dispatchLoop runs delegate callbacks off the transport thread.
func (s *WindowStream) dispatchLoop() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			// Drain what was queued before shutdown.
			for {
				select {
				case fn := <-s.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

// enqueue posts a delegate callback; frame deliveries that would block
// are dropped and counted.
func (s *WindowStream) enqueue(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	default:
		return false
	}
}

// WindowID returns the stream's window id.
func (s *WindowStream) WindowID() uint64 { return s.windowID }

// State returns the current lifecycle state.
func (s *WindowStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Paused reports the pause flag.
func (s *WindowStream) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Metrics returns a snapshot of the stream counters.
func (s *WindowStream) Metrics() Metrics {
	return Metrics{
		FramesReceived:  s.framesReceived.Load(),
		MetadataUpdates: s.metadataUpdates.Load(),
		FramesDropped:   s.framesDropped.Load(),
	}
}

func (s *WindowStream) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	s.enqueue(func() { s.delegate.DidChangeState(s.windowID, next) })
}

// Connect starts the stream. A duplicate connect while not disconnected
// is a no-op.
func (s *WindowStream) Connect() error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.userInitiatedClose = false
	s.closeDelivered = false
	s.reconnectAttempt = 0
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	if err := s.transport.Open(s.windowID, s); err != nil {
		s.TransportDidClose(CloseTransportError, err)
		return fmt.Errorf("opening window stream: %w", err)
	}
	return nil
}

// Disconnect tears the stream down. Cleanup is guaranteed:
// DidChangeState(disconnected) then DidClose fire exactly once.
func (s *WindowStream) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.userInitiatedClose = true
	s.cancelReconnectLocked()
	s.setStateLocked(StateDisconnected)
	deliverClose := !s.closeDelivered
	s.closeDelivered = true
	s.mu.Unlock()

	s.transport.Close()
	if deliverClose {
		s.enqueue(func() { s.delegate.DidClose(s.windowID) })
	}
}

// Reconnect resets the attempt counter and reconnects unconditionally.
func (s *WindowStream) Reconnect() error {
	s.mu.Lock()
	s.userInitiatedClose = false
	s.closeDelivered = false
	s.reconnectAttempt = 0
	s.cancelReconnectLocked()
	s.state = StateDisconnected // force the transition to emit
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	if err := s.transport.Open(s.windowID, s); err != nil {
		s.TransportDidClose(CloseTransportError, err)
		return fmt.Errorf("reopening window stream: %w", err)
	}
	return nil
}

// Close releases the dispatch goroutine. The stream is unusable after.
func (s *WindowStream) Close() {
	s.Disconnect()
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *WindowStream) cancelReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// TransportDidOpen implements TransportHandler.
func (s *WindowStream) TransportDidOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting && s.state != StateReconnecting {
		return
	}
	s.reconnectAttempt = 0
	s.setStateLocked(StateConnected)
}

// TransportDidClose implements TransportHandler.
func (s *WindowStream) TransportDidClose(reason CloseReason, err error) {
	s.mu.Lock()

	if s.userInitiatedClose || s.state == StateDisconnected {
		// Disconnect already drove the transition.
		s.mu.Unlock()
		return
	}

	if reason.Permanent() {
		s.cancelReconnectLocked()
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		msg := reason.String()
		if err != nil {
			msg = err.Error()
		}
		s.logger.Warn("window stream failed permanently", "reason", reason.String(), "error", err)
		s.enqueue(func() { s.delegate.DidFail(s.windowID, msg) })
		return
	}

	s.reconnectAttempt++
	attempt := s.reconnectAttempt
	if s.backoff.MaxAttempts > 0 && attempt > s.backoff.MaxAttempts {
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		s.logger.Warn("window stream retries exhausted", "attempts", attempt-1)
		s.enqueue(func() { s.delegate.DidFail(s.windowID, "reconnect attempts exhausted") })
		return
	}

	s.setStateLocked(StateReconnecting)
	delay := s.backoff.Delay(attempt)
	s.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
	s.reconnectTimer = time.AfterFunc(delay, func() { s.retry() })
	s.mu.Unlock()
}

func (s *WindowStream) retry() {
	s.mu.Lock()
	if s.state != StateReconnecting || s.userInitiatedClose {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	if err := s.transport.Open(s.windowID, s); err != nil {
		s.TransportDidClose(CloseTransportError, err)
	}
}

// Pause drops incoming frames without changing lifecycle state.
// Idempotent.
func (s *WindowStream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume clears the pause flag. Idempotent.
func (s *WindowStream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// AttachReader hands the stream its shared ring reader; the router owns
// the underlying memory.
func (s *WindowStream) AttachReader(r *shmem.RingReader) {
	s.mu.Lock()
	old := s.reader
	s.reader = r
	s.mu.Unlock()
	if old != nil {
		old.SetHostActive(false)
	}
	if r != nil {
		r.SetHostActive(true)
	}
}

// DetachReader removes the ring reader.
func (s *WindowStream) DetachReader() {
	s.AttachReader(nil)
}

// DrainFrames reads frames until the ring is empty or a frame matching
// targetFrame has been delivered. While paused, frames are consumed and
// dropped without counting as deliveries.
func (s *WindowStream) DrainFrames(targetFrame uint32) {
	s.mu.Lock()
	reader := s.reader
	paused := s.paused
	s.mu.Unlock()
	if reader == nil {
		return
	}

	for {
		frame := reader.ReadNextFrame()
		if frame == nil {
			return
		}
		if paused {
			continue
		}
		if s.enqueue(func() { s.delegate.DidUpdateFrame(s.windowID, frame) }) {
			s.framesReceived.Add(1)
		} else {
			s.framesDropped.Add(1)
		}
		if targetFrame != 0 && frame.FrameNumber == targetFrame {
			return
		}
	}
}

// HandleMetadata forwards a guest metadata update to the delegate.
func (s *WindowStream) HandleMetadata(meta *protocol.WindowMetadata) {
	s.metadataUpdates.Add(1)
	s.enqueue(func() { s.delegate.DidUpdateMetadata(s.windowID, meta) })
}

// HandleClipboard forwards guest clipboard content to the delegate.
func (s *WindowStream) HandleClipboard(format string, data []byte) {
	s.enqueue(func() { s.delegate.DidUpdateClipboard(format, data) })
}

// --- Input forwarding: silently dropped while not connected ---

func (s *WindowStream) sendIfConnected(msg protocol.Message) {
	s.mu.Lock()
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected {
		return
	}
	if err := s.transport.Send(msg); err != nil {
		s.logger.Debug("input send failed", "error", err)
	}
}

// SendMouseEvent forwards a mouse event.
func (s *WindowStream) SendMouseEvent(ev *protocol.MouseInput) {
	ev.WindowID = s.windowID
	s.sendIfConnected(ev)
}

// SendKeyboardEvent forwards a keyboard event.
func (s *WindowStream) SendKeyboardEvent(ev *protocol.KeyboardInput) {
	ev.WindowID = s.windowID
	s.sendIfConnected(ev)
}

// SendDragDropEvent forwards a drag-and-drop event.
func (s *WindowStream) SendDragDropEvent(ev *protocol.DragDropEvent) {
	ev.WindowID = s.windowID
	s.sendIfConnected(ev)
}

// SendClipboard pushes host clipboard content to the guest.
func (s *WindowStream) SendClipboard(format string, data []byte) {
	s.sendIfConnected(&protocol.ClipboardData{Format: format, Data: data})
}

// RequestClipboard asks the guest for clipboard content, when the
// transport supports it.
func (s *WindowStream) RequestClipboard(format string) {
	s.mu.Lock()
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected {
		return
	}
	if requester, ok := s.transport.(ClipboardRequester); ok {
		if err := requester.RequestClipboard(s.windowID, format); err != nil {
			s.logger.Debug("clipboard request failed", "error", err)
		}
	}
}
