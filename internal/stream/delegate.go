package stream

import (
	"github.com/winrun/winrun/internal/protocol"
	"github.com/winrun/winrun/internal/shmem"
)

// Delegate receives window stream events. Callbacks run on the stream's
// dispatch goroutine, never on the transport's callback thread. Embed
// NopDelegate to implement a subset.
type Delegate interface {
	DidChangeState(windowID uint64, state State)
	DidUpdateFrame(windowID uint64, frame *shmem.Frame)
	DidUpdateMetadata(windowID uint64, meta *protocol.WindowMetadata)
	DidUpdateClipboard(format string, data []byte)
	DidFail(windowID uint64, reason string)
	DidClose(windowID uint64)
}

// NopDelegate implements Delegate with no-ops.
type NopDelegate struct{}

func (NopDelegate) DidChangeState(uint64, State)                       {}
func (NopDelegate) DidUpdateFrame(uint64, *shmem.Frame)                {}
func (NopDelegate) DidUpdateMetadata(uint64, *protocol.WindowMetadata) {}
func (NopDelegate) DidUpdateClipboard(string, []byte)                  {}
func (NopDelegate) DidFail(uint64, string)                             {}
func (NopDelegate) DidClose(uint64)                                    {}

// Transport opens and drives the per-window byte channel. Open reports
// asynchronously through the handler; Send forwards one host→guest
// message.
type Transport interface {
	Open(windowID uint64, handler TransportHandler) error
	Close()
	Send(msg protocol.Message) error
}

// TransportHandler is how the transport reports lifecycle events back to
// the stream.
type TransportHandler interface {
	TransportDidOpen()
	TransportDidClose(reason CloseReason, err error)
}

// ClipboardRequester is implemented by transports that can ask the guest
// for clipboard content in a given format.
type ClipboardRequester interface {
	RequestClipboard(windowID uint64, format string) error
}
