// Package ratelimit implements the per-client token bucket guarding the
// privileged IPC surface.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config defines bucket behavior for one limiter.
type Config struct {
	// MaxRequestsPerWindow is the sustained request budget per Window.
	MaxRequestsPerWindow int
	// Window is the refill window.
	Window time.Duration
	// BurstAllowance is extra capacity above the sustained budget.
	BurstAllowance int
	// Cooldown is how long an overflowing client is refused outright.
	Cooldown time.Duration
}

// Production returns the production limiter config.
func Production() Config {
	return Config{MaxRequestsPerWindow: 60, Window: time.Minute, BurstAllowance: 10, Cooldown: 5 * time.Second}
}

// Development returns the development limiter config.
func Development() Config {
	return Config{MaxRequestsPerWindow: 120, Window: time.Minute, BurstAllowance: 30, Cooldown: time.Second}
}

// ThrottledError is returned when a client exceeds its budget.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled, retry after %s", e.RetryAfter)
}

// Metrics is a point-in-time limiter snapshot.
type Metrics struct {
	ActiveClients     int
	ClientsInCooldown int
}

type bucket struct {
	tokens        float64
	lastRefill    time.Time
	cooldownUntil time.Time
}

// Limiter is a per-client token bucket. All operations are atomic with
// respect to each other; only in-memory computation happens under the
// lock.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*bucket
}

// New creates a limiter with the given config.
func New(cfg Config) *Limiter {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock creates a limiter with an injected clock. Tests use this
// to step time deterministically.
func NewWithClock(cfg Config, now func() time.Time) *Limiter {
	return &Limiter{
		cfg:     cfg,
		now:     now,
		clients: make(map[string]*bucket),
	}
}

// capacity is the bucket ceiling: sustained budget plus burst.
func (l *Limiter) capacity() float64 {
	return float64(l.cfg.MaxRequestsPerWindow + l.cfg.BurstAllowance)
}

// refillRate is tokens per second.
func (l *Limiter) refillRate() float64 {
	return float64(l.cfg.MaxRequestsPerWindow) / l.cfg.Window.Seconds()
}

// CheckRequest consumes one token for clientID. On an empty bucket it
// starts the cooldown and returns a ThrottledError with the remaining
// wait; while the cooldown runs, requests are refused without
// refilling. A served cooldown starts the client over with a full
// bucket.
func (l *Limiter) CheckRequest(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[clientID]
	if !ok {
		b = &bucket{tokens: l.capacity(), lastRefill: now}
		l.clients[clientID] = b
	}

	if now.Before(b.cooldownUntil) {
		return &ThrottledError{RetryAfter: b.cooldownUntil.Sub(now)}
	}
	if !b.cooldownUntil.IsZero() {
		// Cooldown served: the client starts over with a full bucket.
		b.tokens = l.capacity()
		b.cooldownUntil = time.Time{}
		b.lastRefill = now
	}

	// Refill first, clamped to capacity.
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.refillRate()
		if max := l.capacity(); b.tokens > max {
			b.tokens = max
		}
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return nil
	}

	b.cooldownUntil = now.Add(l.cfg.Cooldown)
	return &ThrottledError{RetryAfter: l.cfg.Cooldown}
}

// Metrics returns the current client counts.
func (l *Limiter) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	m := Metrics{ActiveClients: len(l.clients)}
	for _, b := range l.clients {
		if now.Before(b.cooldownUntil) {
			m.ClientsInCooldown++
		}
	}
	return m
}

// PruneStaleClients drops buckets whose last refill is older than
// olderThan.
func (l *Limiter) PruneStaleClients(olderThan time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-olderThan)
	for id, b := range l.clients {
		if b.lastRefill.Before(cutoff) {
			delete(l.clients, id)
		}
	}
}
