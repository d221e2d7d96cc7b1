package server

import (
	"sync"
	"time"

	"github.com/topgundb/topgun/pkg/metrics"
	"github.com/topgundb/topgun/pkg/protocol"
)

// PendingWrite tracks one deferred op until its target write-concern level
// is reached or its deadline fires. Level notifications are monotonic: a
// notification at level L implies every lower level was notified first.
type PendingWrite struct {
	OpID        string
	TargetLevel protocol.WriteConcern

	mu       sync.Mutex
	achieved protocol.WriteConcern
	done     bool
	timer    *time.Timer
	resolve  func(protocol.OpResult)
}

// WriteConcernTracker owns the pending-write table.
type WriteConcernTracker struct {
	mu      sync.Mutex
	pending map[string]*PendingWrite
}

// NewWriteConcernTracker creates an empty tracker.
func NewWriteConcernTracker() *WriteConcernTracker {
	return &WriteConcernTracker{pending: make(map[string]*PendingWrite)}
}

// Register creates a pending write. resolve is called exactly once, with
// either success at the target level or failure carrying the achieved level
// and an error.
func (t *WriteConcernTracker) Register(opID string, target protocol.WriteConcern, timeout time.Duration, resolve func(protocol.OpResult)) *PendingWrite {
	pw := &PendingWrite{
		OpID:        opID,
		TargetLevel: target,
		achieved:    protocol.ConcernMemory,
		resolve:     resolve,
	}
	pw.timer = time.AfterFunc(timeout, func() {
		t.fail(opID, "write concern timeout")
	})

	t.mu.Lock()
	t.pending[opID] = pw
	t.mu.Unlock()
	metrics.PendingWrites.Inc()
	return pw
}

// Notify records that the op reached a level. Levels below the current
// achieved level are ignored, keeping the ladder monotonic. Reaching the
// target resolves the write with success.
func (t *WriteConcernTracker) Notify(opID string, level protocol.WriteConcern) {
	t.mu.Lock()
	pw, ok := t.pending[opID]
	t.mu.Unlock()
	if !ok {
		return
	}

	pw.mu.Lock()
	if pw.done {
		pw.mu.Unlock()
		return
	}
	if level.Rank() > pw.achieved.Rank() {
		pw.achieved = level
	}
	reached := pw.achieved.Rank() >= pw.TargetLevel.Rank()
	if reached {
		pw.done = true
		pw.timer.Stop()
	}
	achieved := pw.achieved
	resolve := pw.resolve
	pw.mu.Unlock()

	if reached {
		t.remove(opID)
		resolve(protocol.OpResult{OpID: opID, Success: true, AchievedLevel: achieved})
	}
}

// Fail resolves the write with a failure at its currently achieved level.
func (t *WriteConcernTracker) Fail(opID string, reason string) {
	t.fail(opID, reason)
}

func (t *WriteConcernTracker) fail(opID, reason string) {
	t.mu.Lock()
	pw, ok := t.pending[opID]
	t.mu.Unlock()
	if !ok {
		return
	}

	pw.mu.Lock()
	if pw.done {
		pw.mu.Unlock()
		return
	}
	pw.done = true
	pw.timer.Stop()
	achieved := pw.achieved
	resolve := pw.resolve
	pw.mu.Unlock()

	t.remove(opID)
	resolve(protocol.OpResult{OpID: opID, Success: false, AchievedLevel: achieved, Error: reason})
}

func (t *WriteConcernTracker) remove(opID string) {
	t.mu.Lock()
	if _, ok := t.pending[opID]; ok {
		delete(t.pending, opID)
		metrics.PendingWrites.Dec()
	}
	t.mu.Unlock()
}

// PendingCount returns the number of unresolved writes.
func (t *WriteConcernTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
