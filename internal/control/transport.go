package control

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// Dialer opens the byte transport to the guest agent. The production
// endpoint is the virtio-serial unix socket exposed by the VM façade; a
// websocket endpoint serves remote-display setups.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// DialEndpoint builds a Dialer for "unix:///path" or "ws(s)://host/path"
// endpoints.
func DialEndpoint(endpoint string) (Dialer, error) {
	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		path := strings.TrimPrefix(endpoint, "unix://")
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "unix", path)
			if err != nil {
				return nil, fmt.Errorf("dialing %s: %w", path, err)
			}
			return conn, nil
		}, nil
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
			if err != nil {
				return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
			}
			return &wsConn{conn: conn}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported endpoint %q", endpoint)
	}
}

// wsConn adapts a websocket connection to a byte stream. Envelopes do
// not align with websocket messages; the reader drains message payloads
// into a rolling buffer.
type wsConn struct {
	conn   *websocket.Conn
	unread []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.unread) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.unread = data
	}
	n := copy(p, c.unread)
	c.unread = c.unread[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
	return c.conn.Close()
}
