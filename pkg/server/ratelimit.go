package server

import (
	"sync"
	"time"

	"github.com/topgundb/topgun/pkg/metrics"
)

// RateLimiter admits new connections under a sliding one-second window of
// completed connections plus a cap on pending (unauthenticated) attempts.
type RateLimiter struct {
	maxPerSecond int
	maxPending   int

	mu        sync.Mutex
	completed []time.Time
	pending   int
	rejected  uint64
}

// NewRateLimiter creates a limiter with the given window and pending caps.
func NewRateLimiter(maxPerSecond, maxPending int) *RateLimiter {
	return &RateLimiter{maxPerSecond: maxPerSecond, maxPending: maxPending}
}

// Accept decides whether a new connection may proceed.
func (r *RateLimiter) Accept() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trim(time.Now())
	return len(r.completed) < r.maxPerSecond && r.pending < r.maxPending
}

// OnAttempt records a new pending (unauthenticated) attempt.
func (r *RateLimiter) OnAttempt() {
	r.mu.Lock()
	r.pending++
	r.mu.Unlock()
}

// OnEstablished moves an attempt from pending to completed.
func (r *RateLimiter) OnEstablished() {
	r.mu.Lock()
	if r.pending > 0 {
		r.pending--
	}
	r.completed = append(r.completed, time.Now())
	r.mu.Unlock()
}

// OnFailed drops a pending attempt that never authenticated.
func (r *RateLimiter) OnFailed() {
	r.mu.Lock()
	if r.pending > 0 {
		r.pending--
	}
	r.mu.Unlock()
}

// OnRejected counts a refused connection.
func (r *RateLimiter) OnRejected() {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
	metrics.SessionsRejected.Inc()
}

// Rejected returns the rejection counter.
func (r *RateLimiter) Rejected() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}

// Pending returns the current pending attempt count.
func (r *RateLimiter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// trim drops completions older than the one-second window. Callers hold mu.
func (r *RateLimiter) trim(now time.Time) {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(r.completed) && r.completed[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.completed = append(r.completed[:0], r.completed[i:]...)
	}
}
