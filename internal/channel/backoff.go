package channel

import (
	"context"
	"time"
)

// Reconnect policy shared by adapters whose transport requires manual
// reconnection: bounded attempt count, escalating-then-capped delay, and a
// terminal give-up after the bound is exceeded.
const (
	ReconnectMaxAttempts = 10
	reconnectBaseDelay   = 2 * time.Second
	reconnectMaxDelay    = time.Minute
)

// Backoff tracks reconnect attempts for one connection.
type Backoff struct {
	attempts int
}

// Next blocks for the next escalating delay, or returns false when either the
// attempt bound is exhausted or ctx is cancelled.
func (b *Backoff) Next(ctx context.Context) bool {
	if b.attempts >= ReconnectMaxAttempts {
		return false
	}
	delay := reconnectBaseDelay << b.attempts
	if delay > reconnectMaxDelay || delay <= 0 {
		delay = reconnectMaxDelay
	}
	b.attempts++
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of retries consumed so far.
func (b *Backoff) Attempts() int {
	return b.attempts
}
