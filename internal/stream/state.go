package stream

import "time"

// State is the window stream lifecycle. Exactly one state holds per
// window at any time.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CloseReason classifies a transport close. Permanent reasons skip
// reconnection entirely.
type CloseReason int

const (
	CloseNormal CloseReason = iota
	CloseTransportError
	CloseAuthenticationFailed
	CloseSharedMemoryUnavailable
)

// Permanent reports whether the reason forbids reconnecting.
func (r CloseReason) Permanent() bool {
	return r == CloseAuthenticationFailed || r == CloseSharedMemoryUnavailable
}

func (r CloseReason) String() string {
	switch r {
	case CloseNormal:
		return "normal"
	case CloseTransportError:
		return "transportError"
	case CloseAuthenticationFailed:
		return "authenticationFailed"
	case CloseSharedMemoryUnavailable:
		return "sharedMemoryUnavailable"
	default:
		return "unknown"
	}
}

// Backoff is the reconnect schedule: delay(n) = min(initial ×
// multiplier^(n−1), max) for attempt n starting at 1.
type Backoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// MaxAttempts of 0 retries forever.
	MaxAttempts int
}

// DefaultBackoff matches the daemon defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   1.8,
		MaxDelay:     15 * time.Second,
		MaxAttempts:  5,
	}
}

// Delay returns the wait before attempt n (n ≥ 1).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= b.Multiplier
		if d >= float64(b.MaxDelay) {
			return b.MaxDelay
		}
	}
	if d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(d)
}
