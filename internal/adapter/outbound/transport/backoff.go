// Package transport provides outbound transport adapters for upstream
// MCP servers: stdio child processes, streamable HTTP, and legacy SSE.
package transport

import (
	"math"
	"math/rand"
	"time"
)

// Backoff implements exponential backoff with jitter for reconnects.
// Not safe for concurrent use; each upstream owns one.
type Backoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	attempts   int
}

// NewBackoff creates a backoff with the hub defaults: 1s doubling to a
// 30s cap, 30% jitter.
func NewBackoff() *Backoff {
	return &Backoff{
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// Next returns the delay before the next attempt and advances the
// attempt count.
func (b *Backoff) Next() time.Duration {
	delay := time.Duration(float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(b.attempts)))
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}

	// Jitter prevents a fleet of upstreams restarting in lockstep.
	jitterRange := float64(delay) * 0.3
	delay += time.Duration((rand.Float64()*2 - 1) * jitterRange)

	if delay < b.BaseDelay {
		delay = b.BaseDelay
	}

	b.attempts++
	return delay
}

// Reset clears the attempt count after a successful connection.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}
