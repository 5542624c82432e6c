// Package control implements the framed control channel to the in-guest
// agent: correlated request/response plus delegate fan-out for
// unsolicited messages.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/winrun/winrun/internal/protocol"
)

// DefaultRequestTimeout bounds every correlated request unless
// WithRequestTimeout overrides it; a sooner context deadline wins.
const DefaultRequestTimeout = 30 * time.Second

const handshakeTimeout = 10 * time.Second

func closeDeadline() time.Time { return time.Now().Add(time.Second) }

type pendingResult struct {
	msg protocol.Message
	err error
}

// Channel is the duplex control connection to the guest agent.
type Channel struct {
	dialer         Dialer
	logger         *slog.Logger
	delegate       Delegate
	requestTimeout time.Duration
	localCaps      uint32

	nextID atomic.Uint32

	mu        sync.Mutex
	conn      io.ReadWriteCloser
	connected bool
	pending   map[uint32]chan pendingResult
	handshake chan *protocol.CapabilityFlags
	guestCaps *protocol.CapabilityFlags

	writeMu sync.Mutex
}

// Option configures a Channel.
type Option func(*Channel)

// WithRequestTimeout overrides the default request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Channel) { c.requestTimeout = d }
}

// WithCapabilities sets the host capability bits announced at handshake.
func WithCapabilities(caps uint32) Option {
	return func(c *Channel) { c.localCaps = caps }
}

// NewChannel creates a channel. The delegate may be nil.
func NewChannel(dialer Dialer, delegate Delegate, logger *slog.Logger, opts ...Option) *Channel {
	if delegate == nil {
		delegate = NopDelegate{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		dialer:         dialer,
		logger:         logger,
		delegate:       delegate,
		requestTimeout: DefaultRequestTimeout,
		pending:        make(map[uint32]chan pendingResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether the channel is up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// GuestCapabilities returns the capabilities announced by the guest, or
// nil before the handshake completes.
func (c *Channel) GuestCapabilities() *protocol.CapabilityFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guestCaps
}

// Connect dials the transport, exchanges CapabilityFlags, and starts the
// read loop. The handshake fails with ErrIncompatibleVersion unless
// majors match and the guest minor does not exceed the host minor.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	handshake := make(chan *protocol.CapabilityFlags, 1)
	c.handshake = handshake
	c.mu.Unlock()

	conn, err := c.dialer(ctx)
	if err != nil {
		return fmt.Errorf("control connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)

	hello := &protocol.CapabilityFlags{
		Capabilities:    c.localCaps,
		ProtocolVersion: protocol.Version,
	}
	if err := c.send(hello); err != nil {
		c.teardown(err)
		return err
	}

	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()
	select {
	case caps := <-handshake:
		if !protocol.Compatible(protocol.Version, caps.ProtocolVersion) {
			err := fmt.Errorf("%w: host %s, guest %s", ErrIncompatibleVersion,
				protocol.FormatVersion(protocol.Version),
				protocol.FormatVersion(caps.ProtocolVersion))
			c.teardown(err)
			return err
		}
		c.mu.Lock()
		c.guestCaps = caps
		c.mu.Unlock()
		c.delegate.DidConnect(caps)
		return nil
	case <-timer.C:
		c.teardown(ErrTimeout)
		return fmt.Errorf("handshake: %w", ErrTimeout)
	case <-ctx.Done():
		c.teardown(ctx.Err())
		return ctx.Err()
	}
}

// Disconnect closes the transport. All pending requests resolve with
// ErrNotConnected.
func (c *Channel) Disconnect() {
	c.teardown(nil)
}

func (c *Channel) teardown(cause error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.guestCaps = nil
	pending := c.pending
	c.pending = make(map[uint32]chan pendingResult)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, ch := range pending {
		ch <- pendingResult{err: ErrNotConnected}
	}
	c.delegate.DidDisconnect(cause)
}

func (c *Channel) readLoop(conn io.ReadWriteCloser) {
	var buf []byte
	chunk := make([]byte, 64*1024)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				consumed, msg, derr := protocol.TryRead(buf, protocol.GuestToHost)
				if derr != nil {
					if errors.Is(derr, protocol.ErrDecodeFailure) && consumed > 0 {
						c.logger.Warn("skipping undecodable envelope", "error", derr)
						buf = buf[consumed:]
						continue
					}
					c.logger.Error("control stream corrupt, disconnecting", "error", derr)
					c.teardown(derr)
					return
				}
				if msg == nil {
					break
				}
				buf = buf[consumed:]
				c.dispatch(msg)
			}
		}
		if err != nil {
			c.mu.Lock()
			wasConnected := c.connected && c.conn == conn
			c.mu.Unlock()
			if wasConnected {
				c.teardown(err)
			}
			return
		}
	}
}

func (c *Channel) dispatch(msg protocol.Message) {
	// Correlated responses resolve their waiter and bypass the delegate.
	if correlated, ok := msg.(protocol.Correlated); ok {
		c.mu.Lock()
		ch, found := c.pending[correlated.CorrelationID()]
		if found {
			delete(c.pending, correlated.CorrelationID())
		}
		c.mu.Unlock()
		if found {
			ch <- pendingResult{msg: msg}
			return
		}
	}

	switch m := msg.(type) {
	case *protocol.CapabilityFlags:
		c.mu.Lock()
		handshake := c.handshake
		c.handshake = nil
		c.mu.Unlock()
		if handshake != nil {
			handshake <- m
		} else {
			c.delegate.DidReceiveMessage(msg, msg.MessageType())
		}
	case *protocol.FrameReady:
		c.delegate.DidReceiveFrameReady(m)
	case *protocol.WindowBufferAllocated:
		c.delegate.DidReceiveBufferAllocation(m)
	default:
		c.delegate.DidReceiveMessage(msg, msg.MessageType())
	}
}

// send serializes and writes one message.
func (c *Channel) send(msg protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	raw, err := protocol.Serialize(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	_, werr := conn.Write(raw)
	c.writeMu.Unlock()
	if werr != nil {
		return &SendError{Inner: werr}
	}
	return nil
}

// Send transmits a fire-and-forget message (input forwarding, clipboard
// pushes).
func (c *Channel) Send(msg protocol.Message) error {
	return c.send(msg)
}

// NextMessageID allocates a correlation id.
func (c *Channel) NextMessageID() uint32 {
	return c.nextID.Add(1)
}

// roundTrip sends a correlated request and waits for its response. On
// timeout or cancellation the pending entry is removed so a late
// response is dropped.
func (c *Channel) roundTrip(ctx context.Context, id uint32, msg protocol.Message) (protocol.Message, error) {
	ch := make(chan pendingResult, 1)
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	abandon := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.send(msg); err != nil {
		abandon()
		return nil, err
	}

	timeout := c.requestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return unwrapResponse(res.msg)
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("request %d: %w", id, ErrTimeout)
	case <-ctx.Done():
		abandon()
		return nil, fmt.Errorf("request %d: %w", id, ErrCancelled)
	}
}

// unwrapResponse converts failed Acks and correlated Errors into
// GuestError.
func unwrapResponse(msg protocol.Message) (protocol.Message, error) {
	switch m := msg.(type) {
	case *protocol.Ack:
		if !m.Success {
			return nil, &GuestError{Code: m.ErrorCode, Message: m.Message}
		}
	case *protocol.ErrorMessage:
		return nil, &GuestError{Code: m.Code, Message: m.Message}
	}
	return msg, nil
}

// --- Typed requests ---

// ListSessions fetches the guest's active sessions.
func (c *Channel) ListSessions(ctx context.Context) ([]protocol.GuestSession, error) {
	id := c.NextMessageID()
	resp, err := c.roundTrip(ctx, id, &protocol.ListSessions{MessageID: id})
	if err != nil {
		return nil, err
	}
	list, ok := resp.(*protocol.SessionList)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to ListSessions", resp)
	}
	return list.Sessions, nil
}

// CloseSession terminates one guest session.
func (c *Channel) CloseSession(ctx context.Context, sessionID string) error {
	id := c.NextMessageID()
	_, err := c.roundTrip(ctx, id, &protocol.CloseSession{MessageID: id, SessionID: sessionID})
	return err
}

// ListShortcuts fetches the guest's shortcut catalog.
func (c *Channel) ListShortcuts(ctx context.Context) ([]protocol.WindowsShortcut, error) {
	id := c.NextMessageID()
	resp, err := c.roundTrip(ctx, id, &protocol.ListShortcuts{MessageID: id})
	if err != nil {
		return nil, err
	}
	list, ok := resp.(*protocol.ShortcutList)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to ListShortcuts", resp)
	}
	return list.Shortcuts, nil
}

// LaunchProgram starts a Windows program in the guest.
func (c *Channel) LaunchProgram(ctx context.Context, windowsPath string, args []string, workingDir string) error {
	id := c.NextMessageID()
	_, err := c.roundTrip(ctx, id, &protocol.LaunchProgram{
		MessageID:        id,
		WindowsPath:      windowsPath,
		Arguments:        args,
		WorkingDirectory: workingDir,
	})
	return err
}

// RequestIcon fetches an icon from the guest.
func (c *Channel) RequestIcon(ctx context.Context, path string, sizePx uint32) (*protocol.IconData, error) {
	id := c.NextMessageID()
	resp, err := c.roundTrip(ctx, id, &protocol.RequestIcon{MessageID: id, Path: path, SizePx: sizePx})
	if err != nil {
		return nil, err
	}
	icon, ok := resp.(*protocol.IconData)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to RequestIcon", resp)
	}
	return icon, nil
}

// SendClipboard pushes clipboard content to the guest.
func (c *Channel) SendClipboard(ctx context.Context, format string, data []byte) error {
	id := c.NextMessageID()
	_, err := c.roundTrip(ctx, id, &protocol.ClipboardData{MessageID: id, Format: format, Data: data})
	return err
}

// Shutdown asks the guest OS to shut down within timeoutMs.
func (c *Channel) Shutdown(ctx context.Context, timeoutMs uint32) error {
	id := c.NextMessageID()
	_, err := c.roundTrip(ctx, id, &protocol.Shutdown{MessageID: id, TimeoutMs: timeoutMs})
	return err
}
