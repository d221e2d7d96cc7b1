package server

import (
	"testing"
	"time"
)

// TestLockAcquireFree tests immediate grant of a free lock.
func TestLockAcquireFree(t *testing.T) {
	lm := NewLockManager(time.Minute)

	var token uint64
	lm.Acquire("jobs", "n1:s1", 0, func(ft uint64) { token = ft })
	if token == 0 {
		t.Fatal("free lock not granted")
	}
	holder, held, ok := lm.Holder("jobs")
	if !ok || holder != "n1:s1" || held != token {
		t.Errorf("Holder() = %q/%d/%v, want n1:s1/%d/true", holder, held, ok, token)
	}
}

// TestLockFencingTokensMonotonic tests that every grant carries a strictly
// greater fencing token, across locks.
func TestLockFencingTokensMonotonic(t *testing.T) {
	lm := NewLockManager(time.Minute)

	var tokens []uint64
	grant := func(ft uint64) { tokens = append(tokens, ft) }

	lm.Acquire("a", "h1", 0, grant)
	lm.Release("a", "h1")
	lm.Acquire("a", "h2", 0, grant)
	lm.Acquire("b", "h1", 0, grant)

	for i := 1; i < len(tokens); i++ {
		if tokens[i] <= tokens[i-1] {
			t.Fatalf("token %d not monotonic: %v", i, tokens)
		}
	}
}

// TestLockWaiterPromotion tests FIFO promotion on release.
func TestLockWaiterPromotion(t *testing.T) {
	lm := NewLockManager(time.Minute)

	lm.Acquire("jobs", "h1", 0, func(uint64) {})

	granted := make([]string, 0, 2)
	lm.Acquire("jobs", "h2", 0, func(uint64) { granted = append(granted, "h2") })
	lm.Acquire("jobs", "h3", 0, func(uint64) { granted = append(granted, "h3") })
	if len(granted) != 0 {
		t.Fatal("waiters granted while lock held")
	}

	if !lm.Release("jobs", "h1") {
		t.Fatal("holder release failed")
	}
	if len(granted) != 1 || granted[0] != "h2" {
		t.Fatalf("granted = %v, want first waiter h2", granted)
	}
	lm.Release("jobs", "h2")
	if len(granted) != 2 || granted[1] != "h3" {
		t.Fatalf("granted = %v, want h3 next", granted)
	}
}

// TestLockReentrant tests that the holder re-acquiring gets its current
// token back instead of queueing behind itself.
func TestLockReentrant(t *testing.T) {
	lm := NewLockManager(time.Minute)

	var first, second uint64
	lm.Acquire("jobs", "h1", 0, func(ft uint64) { first = ft })
	lm.Acquire("jobs", "h1", 0, func(ft uint64) { second = ft })
	if second != first {
		t.Errorf("re-entrant token = %d, want held token %d", second, first)
	}
}

// TestLockReleaseByNonHolder tests that only the holder can release.
func TestLockReleaseByNonHolder(t *testing.T) {
	lm := NewLockManager(time.Minute)
	lm.Acquire("jobs", "h1", 0, func(uint64) {})

	if lm.Release("jobs", "h2") {
		t.Error("non-holder release must fail")
	}
	if lm.Release("missing", "h1") {
		t.Error("release of unknown lock must fail")
	}
	if _, _, ok := lm.Holder("jobs"); !ok {
		t.Error("failed release must not free the lock")
	}
}

// TestLockTTLExpiry tests that an elapsed TTL frees the lock and promotes
// the waiter.
func TestLockTTLExpiry(t *testing.T) {
	lm := NewLockManager(time.Minute)

	lm.Acquire("jobs", "h1", 10*time.Millisecond, func(uint64) {})
	granted := make(chan uint64, 1)
	lm.Acquire("jobs", "h2", time.Minute, func(ft uint64) { granted <- ft })

	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatal("waiter never promoted after TTL expiry")
	}
	holder, _, ok := lm.Holder("jobs")
	if !ok || holder != "h2" {
		t.Errorf("holder = %q, want h2", holder)
	}
}

// TestLockReleaseHolder tests disconnect cleanup: held locks release, the
// holder's queued waits vanish, and surviving waiters get promoted.
func TestLockReleaseHolder(t *testing.T) {
	lm := NewLockManager(time.Minute)

	lm.Acquire("a", "n1:s1", 0, func(uint64) {})
	lm.Acquire("b", "n1:s1", 0, func(uint64) {})

	var aGranted bool
	lm.Acquire("a", "n1:s2", 0, func(uint64) { aGranted = true })
	lm.Acquire("b", "n1:s1", 0, func(uint64) {}) // re-entrant, still released below

	var cWaited bool
	lm.Acquire("c", "n1:s2", 0, func(uint64) {})
	lm.Acquire("c", "n1:s1", 0, func(uint64) { cWaited = true })

	lm.ReleaseHolder("n1:s1")

	if !aGranted {
		t.Error("waiter on a not promoted after holder disconnect")
	}
	if _, _, ok := lm.Holder("b"); ok {
		t.Error("lock b should be free after holder disconnect")
	}
	if cWaited {
		t.Error("disconnected holder's queued wait must be dropped")
	}
	if holder, _, ok := lm.Holder("c"); !ok || holder != "n1:s2" {
		t.Errorf("lock c holder = %q, want untouched n1:s2", holder)
	}
}

// TestExpireStaleToken tests that an expiry armed for a previous holder
// cannot release the lock after it changed hands.
func TestExpireStaleToken(t *testing.T) {
	lm := NewLockManager(time.Hour)

	var first uint64
	lm.Acquire("jobs", "a", time.Hour, func(token uint64) { first = token })

	var second uint64
	lm.Acquire("jobs", "b", time.Hour, func(token uint64) { second = token })
	if !lm.Release("jobs", "a") {
		t.Fatal("holder release failed")
	}
	if second == 0 || second <= first {
		t.Fatalf("waiter token = %d, want a grant above %d", second, first)
	}

	// The old holder's TTL fires with the token it was armed for; the new
	// holder must survive it.
	lm.expire("jobs", first)
	holder, token, held := lm.Holder("jobs")
	if !held || holder != "b" || token != second {
		t.Errorf("after stale expiry: holder=%q token=%d held=%v, want b/%d", holder, token, held, second)
	}
}
