// Package ratelimit provides an optional token-bucket cap on how fast an
// endpoint may send datagrams, independent of (and on top of) the
// congestion controller's pacing delay.
//
// Grounded on the teacher's internal/gateway/middleware/ratelimit.go: the
// same golang.org/x/time/rate token bucket and Allow() check. The teacher
// used it to reject over-budget HTTP requests with 429; qrelay instead
// blocks the sender until a token is available, since a send must
// eventually happen rather than be rejected outright.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiter caps the rate of events (here, outbound datagrams) to at most
// ratePerSecond, allowing bursts up to burst.
type Limiter struct {
	rl *rate.Limiter
}

// New constructs a Limiter. ratePerSecond <= 0 disables limiting (Wait
// always returns immediately).
func New(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		return &Limiter{}
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until a token is available, polling Allow() the same way the
// teacher's middleware checks it, rather than rejecting the caller.
func (l *Limiter) Wait() {
	if l == nil || l.rl == nil {
		return
	}
	for !l.rl.Allow() {
		time.Sleep(time.Millisecond)
	}
}
