package server

import (
	"sync"
	"time"
)

// lockWaiter is one queued acquire: the composite holder id and the grant
// callback that routes LOCK_GRANTED back to the requesting session, local
// or on a peer node.
type lockWaiter struct {
	holderID string
	ttl      time.Duration
	grant    func(fencingToken uint64)
}

// lockState is one named lock: its current holder, TTL timer, and waiters.
type lockState struct {
	holderID string
	token    uint64
	expiry   *time.Timer
	waiters  []lockWaiter
}

// LockManager grants named locks with monotonically increasing fencing
// tokens. Lock ownership is partitioned by name; only the owning node's
// manager decides grants.
type LockManager struct {
	defaultTTL time.Duration

	mu      sync.Mutex
	locks   map[string]*lockState
	fencing uint64
}

// NewLockManager creates an empty lock table.
func NewLockManager(defaultTTL time.Duration) *LockManager {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Second
	}
	return &LockManager{
		defaultTTL: defaultTTL,
		locks:      make(map[string]*lockState),
	}
}

// Acquire grants the lock immediately when free, otherwise queues the
// waiter. The grant callback fires with the fencing token, possibly from a
// later release or TTL expiry.
func (lm *LockManager) Acquire(name, holderID string, ttl time.Duration, grant func(fencingToken uint64)) {
	if ttl <= 0 {
		ttl = lm.defaultTTL
	}
	lm.mu.Lock()
	st, ok := lm.locks[name]
	if !ok {
		st = &lockState{}
		lm.locks[name] = st
	}
	if st.holderID == "" {
		token := lm.grantLocked(name, st, holderID, ttl)
		lm.mu.Unlock()
		grant(token)
		return
	}
	if st.holderID == holderID {
		// Re-entrant acquire refreshes the TTL and returns the held token.
		st.expiry.Reset(ttl)
		token := st.token
		lm.mu.Unlock()
		grant(token)
		return
	}
	st.waiters = append(st.waiters, lockWaiter{holderID: holderID, ttl: ttl, grant: grant})
	lm.mu.Unlock()
}

// grantLocked installs a holder and starts its TTL timer. Callers hold mu.
func (lm *LockManager) grantLocked(name string, st *lockState, holderID string, ttl time.Duration) uint64 {
	lm.fencing++
	st.holderID = holderID
	st.token = lm.fencing
	// The timer must carry the token it was armed for: reading st.token at
	// fire time could see a later holder's token and release it.
	token := st.token
	st.expiry = time.AfterFunc(ttl, func() {
		lm.expire(name, token)
	})
	return token
}

// expire releases a lock whose TTL elapsed, unless it changed hands.
func (lm *LockManager) expire(name string, token uint64) {
	lm.mu.Lock()
	st, ok := lm.locks[name]
	if !ok || st.token != token {
		lm.mu.Unlock()
		return
	}
	next := lm.releaseLocked(name, st)
	granted := st.token
	lm.mu.Unlock()
	if next != nil {
		next.grant(granted)
	}
}

// Release frees a lock held by holderID. Returns false when the holder does
// not hold the lock; stale holders are detected by their fencing token
// having been superseded.
func (lm *LockManager) Release(name, holderID string) bool {
	lm.mu.Lock()
	st, ok := lm.locks[name]
	if !ok || st.holderID != holderID {
		lm.mu.Unlock()
		return false
	}
	next := lm.releaseLocked(name, st)
	granted := st.token
	lm.mu.Unlock()
	if next != nil {
		next.grant(granted)
	}
	return true
}

// releaseLocked clears the holder and promotes the next waiter. Callers
// hold mu; the returned waiter's grant runs outside the lock.
func (lm *LockManager) releaseLocked(name string, st *lockState) *lockWaiter {
	if st.expiry != nil {
		st.expiry.Stop()
	}
	st.holderID = ""
	if len(st.waiters) == 0 {
		delete(lm.locks, name)
		return nil
	}
	w := st.waiters[0]
	st.waiters = st.waiters[1:]
	lm.grantLocked(name, st, w.holderID, w.ttl)
	return &w
}

// ReleaseHolder frees every lock held by a disconnecting holder and drops
// its queued waits.
func (lm *LockManager) ReleaseHolder(holderID string) {
	lm.mu.Lock()
	var grants []lockWaiter
	var tokens []uint64
	for name, st := range lm.locks {
		// Drop queued waits first.
		kept := st.waiters[:0]
		for _, w := range st.waiters {
			if w.holderID != holderID {
				kept = append(kept, w)
			}
		}
		st.waiters = kept
		if st.holderID == holderID {
			if next := lm.releaseLocked(name, st); next != nil {
				grants = append(grants, *next)
				tokens = append(tokens, st.token)
			}
		}
	}
	lm.mu.Unlock()
	for i, w := range grants {
		w.grant(tokens[i])
	}
}

// Holder returns the current holder of a lock, if any.
func (lm *LockManager) Holder(name string) (string, uint64, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	st, ok := lm.locks[name]
	if !ok || st.holderID == "" {
		return "", 0, false
	}
	return st.holderID, st.token, true
}
