package control

import "github.com/winrun/winrun/internal/protocol"

// Delegate receives connection events and unsolicited guest messages.
// Embed NopDelegate to implement only the hooks you need.
type Delegate interface {
	DidConnect(caps *protocol.CapabilityFlags)
	DidDisconnect(err error)
	DidReceiveMessage(msg protocol.Message, t protocol.MessageType)
	DidReceiveFrameReady(n *protocol.FrameReady)
	DidReceiveBufferAllocation(d *protocol.WindowBufferAllocated)
}

// NopDelegate implements Delegate with no-ops.
type NopDelegate struct{}

func (NopDelegate) DidConnect(*protocol.CapabilityFlags)                     {}
func (NopDelegate) DidDisconnect(error)                                      {}
func (NopDelegate) DidReceiveMessage(protocol.Message, protocol.MessageType) {}
func (NopDelegate) DidReceiveFrameReady(*protocol.FrameReady)                {}
func (NopDelegate) DidReceiveBufferAllocation(*protocol.WindowBufferAllocated) {
}
