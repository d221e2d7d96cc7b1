package server

import (
	"testing"
)

// TestRateLimiterWindow tests the per-second completion cap.
func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, 100)

	if !rl.Accept() {
		t.Fatal("empty limiter must accept")
	}
	rl.OnAttempt()
	rl.OnEstablished()
	rl.OnAttempt()
	rl.OnEstablished()

	if rl.Accept() {
		t.Error("window full, must refuse")
	}
}

// TestRateLimiterPendingCap tests the unauthenticated-attempt cap.
func TestRateLimiterPendingCap(t *testing.T) {
	rl := NewRateLimiter(100, 2)

	rl.OnAttempt()
	rl.OnAttempt()
	if rl.Accept() {
		t.Error("pending cap hit, must refuse")
	}

	rl.OnFailed()
	if !rl.Accept() {
		t.Error("failed attempt should free a pending slot")
	}
	if rl.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", rl.Pending())
	}
}

// TestRateLimiterEstablishMovesPending tests that authentication moves an
// attempt from pending to the completion window.
func TestRateLimiterEstablishMovesPending(t *testing.T) {
	rl := NewRateLimiter(100, 1)

	rl.OnAttempt()
	if rl.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", rl.Pending())
	}
	rl.OnEstablished()
	if rl.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after establish", rl.Pending())
	}
	if !rl.Accept() {
		t.Error("pending slot freed, must accept")
	}
}

// TestRateLimiterRejectedCounter tests rejection accounting.
func TestRateLimiterRejectedCounter(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.OnRejected()
	rl.OnRejected()
	if rl.Rejected() != 2 {
		t.Errorf("Rejected() = %d, want 2", rl.Rejected())
	}
}
