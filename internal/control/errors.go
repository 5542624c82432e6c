package control

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when sending before connect, and is
	// the resolution for all requests pending at disconnect.
	ErrNotConnected = errors.New("control channel not connected")

	// ErrTimeout is returned when no matching response arrives within
	// the caller's deadline.
	ErrTimeout = errors.New("control request timed out")

	// ErrCancelled is the canonical cancellation error.
	ErrCancelled = errors.New("cancelled")

	// ErrIncompatibleVersion marks a failed version negotiation.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
)

// GuestError is a guest-reported failure: an Ack with success=false or a
// correlated Error message.
type GuestError struct {
	Code    string
	Message string
}

func (e *GuestError) Error() string {
	return fmt.Sprintf("guest error %s: %s", e.Code, e.Message)
}

// SendError wraps a transport write failure.
type SendError struct {
	Inner error
}

func (e *SendError) Error() string { return fmt.Sprintf("send failed: %v", e.Inner) }
func (e *SendError) Unwrap() error { return e.Inner }
