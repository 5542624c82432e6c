//go:build !linux

package ipc

import (
	"fmt"
	"net"
)

// UnixPeerInspector has no SO_PEERCRED equivalent wired on this
// platform; the platform-specific audit-token inspector replaces it in
// the packaged daemon.
type UnixPeerInspector struct{}

// Inspect implements PeerInspector.
func (UnixPeerInspector) Inspect(conn net.Conn) (*ClientInfo, error) {
	return nil, fmt.Errorf("peer credential inspection not supported on this platform")
}
