package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/topgundb/topgun/pkg/metrics"
	"github.com/topgundb/topgun/pkg/protocol"
)

// defaultWriteTimeout bounds a deferred write with no declared timeout.
const defaultWriteTimeout = 30 * time.Second

// capacityWait bounds how long an over-capacity batch waits before failing
// with Server overloaded.
const capacityWait = 5 * time.Second

// admissionRegulator tracks pending async ops. RegisterPending returns
// false when saturated; ShouldForceSync asks the batch processor to drain
// synchronously once the backlog passes the high-water mark.
type admissionRegulator struct {
	sem *semaphore.Weighted
	max int64

	mu      sync.Mutex
	pending int64
}

func newAdmissionRegulator(maxPendingOps int) *admissionRegulator {
	if maxPendingOps <= 0 {
		maxPendingOps = 10000
	}
	return &admissionRegulator{
		sem: semaphore.NewWeighted(int64(maxPendingOps)),
		max: int64(maxPendingOps),
	}
}

// RegisterPending reserves capacity for n ops without blocking.
func (a *admissionRegulator) RegisterPending(n int64) bool {
	if !a.sem.TryAcquire(n) {
		return false
	}
	a.mu.Lock()
	a.pending += n
	a.mu.Unlock()
	return true
}

// WaitForCapacity blocks for capacity up to the context deadline.
func (a *admissionRegulator) WaitForCapacity(ctx context.Context, n int64) error {
	if err := a.sem.Acquire(ctx, n); err != nil {
		return err
	}
	a.mu.Lock()
	a.pending += n
	a.mu.Unlock()
	return nil
}

// Release returns capacity after the ops complete.
func (a *admissionRegulator) Release(n int64) {
	a.sem.Release(n)
	a.mu.Lock()
	a.pending -= n
	a.mu.Unlock()
}

// ShouldForceSync reports whether the backlog passed 80% of capacity.
func (a *admissionRegulator) ShouldForceSync() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending*5 >= a.max*4
}

// batchAck aggregates the deferred results of one batch into a single
// OP_ACK once every pending write resolves.
type batchAck struct {
	sess   *Session
	lastID string

	mu      sync.Mutex
	waiting int
	results []protocol.OpResult
}

func (ba *batchAck) resolve(res protocol.OpResult) {
	ba.mu.Lock()
	ba.results = append(ba.results, res)
	ba.waiting--
	done := ba.waiting == 0
	var results []protocol.OpResult
	if done {
		results = ba.results
	}
	ba.mu.Unlock()
	if !done {
		return
	}

	achieved := protocol.ConcernPersisted
	for _, r := range results {
		if r.AchievedLevel.Rank() < achieved.Rank() {
			achieved = r.AchievedLevel
		}
	}
	_ = ba.sess.Writer.Write(&protocol.Frame{
		Type:          protocol.MsgOpAck,
		LastID:        ba.lastID,
		AchievedLevel: achieved,
		Results:       results,
	}, false)
}

// handleOpBatch is the batch admission path: permission prepass, early ack
// for MEMORY-class ops, pending-write registration for deferred ops, then
// async processing under the admission regulator.
func (c *Coordinator) handleOpBatch(sess *Session, frame *protocol.Frame) {
	principal := sess.Principal()

	// Fast validation pass: denied ops are counted and dropped.
	accepted := make([]protocol.Op, 0, len(frame.Ops))
	denied := 0
	for _, op := range frame.Ops {
		if !c.policy.Allow(principal, ActionPut, op.MapName) {
			denied++
			continue
		}
		accepted = append(accepted, op)
	}
	if denied > 0 {
		_ = sess.Writer.Write(&protocol.Frame{
			Type:    protocol.MsgError,
			Code:    protocol.ErrCodeForbidden,
			Message: fmt.Sprintf("Partial batch failure: %d ops denied", denied),
		}, true)
	}
	if len(accepted) == 0 {
		return
	}

	// Classify by effective concern: per-op, else batch, else MEMORY.
	var earlyLast string
	var deferred []protocol.Op
	for _, op := range accepted {
		if effectiveConcern(op, frame).Deferred() {
			deferred = append(deferred, op)
		} else {
			earlyLast = op.ID
		}
	}

	// Early ack before any processing.
	if earlyLast != "" {
		_ = sess.Writer.Write(&protocol.Frame{
			Type:          protocol.MsgOpAck,
			LastID:        earlyLast,
			AchievedLevel: protocol.ConcernMemory,
		}, false)
	}

	if len(deferred) > 0 {
		ack := &batchAck{sess: sess, lastID: deferred[len(deferred)-1].ID, waiting: len(deferred)}
		for _, op := range deferred {
			target := effectiveConcern(op, frame)
			timeout := time.Duration(op.TimeoutMs) * time.Millisecond
			if timeout == 0 {
				timeout = time.Duration(frame.TimeoutMs) * time.Millisecond
			}
			if timeout == 0 {
				timeout = defaultWriteTimeout
			}
			c.tracker.Register(op.ID, target, timeout, ack.resolve)
		}
	}

	// Past the high-water mark the batch drains inline on the handler
	// goroutine, so a saturated node stops accepting faster than it applies.
	if c.regulator.ShouldForceSync() {
		metrics.BatchSyncForced.Inc()
		c.processBatch(sess, accepted, frame)
		return
	}
	go c.processBatch(sess, accepted, frame)
}

func effectiveConcern(op protocol.Op, frame *protocol.Frame) protocol.WriteConcern {
	if op.WriteConcern != "" {
		return op.WriteConcern
	}
	if frame.WriteConcern != "" {
		return frame.WriteConcern
	}
	return protocol.ConcernMemory
}

// processBatch runs the accepted ops through the pipeline, collecting the
// events into a shared buffer that is delivered as one SERVER_BATCH_EVENT.
func (c *Coordinator) processBatch(sess *Session, ops []protocol.Op, frame *protocol.Frame) {
	n := int64(len(ops))

	// Backpressure: reserve capacity, waiting a bounded time before failing
	// the batch. Forced-sync batches reserve too, so the pending count stays
	// honest either way.
	if !c.regulator.RegisterPending(n) {
		metrics.BatchWaits.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), capacityWait)
		err := c.regulator.WaitForCapacity(ctx, n)
		cancel()
		if err != nil {
			metrics.BatchTimeouts.Inc()
			for _, op := range ops {
				if effectiveConcern(op, frame).Deferred() {
					c.tracker.Fail(op.ID, "Server overloaded")
				}
			}
			_ = sess.Writer.Write(&protocol.Frame{
				Type:    protocol.MsgError,
				Code:    protocol.ErrCodeOverloaded,
				Message: "Server overloaded",
			}, true)
			return
		}
	}
	defer c.regulator.Release(n)

	var events []protocol.Event
	var localDeferred []protocol.Op
	var persisted []protocol.Op

	for i := range ops {
		op := &ops[i]
		concern := effectiveConcern(*op, frame)
		syncPersist := concern == protocol.ConcernPersisted

		if !c.parts.IsLocalOwner(op.Key) {
			// Forward to the partition owner. Forwarding marks REPLICATED:
			// the peer is trusted to apply it (no peer ack in the protocol).
			c.forwardOp(op, sess.ID)
			if concern.Deferred() {
				c.tracker.Notify(op.ID, protocol.ConcernApplied)
				c.tracker.Notify(op.ID, protocol.ConcernReplicated)
			}
			continue
		}

		ev, err := c.processOp(op, false, sess.ID, syncPersist, false)
		if err != nil {
			if concern.Deferred() {
				c.tracker.Fail(op.ID, err.Error())
			}
			_ = sess.Writer.Write(&protocol.Frame{
				Type:   protocol.MsgOpRejected,
				LastID: op.ID,
				Reason: err.Error(),
			}, false)
			continue
		}
		if concern.Deferred() {
			c.tracker.Notify(op.ID, protocol.ConcernApplied)
			localDeferred = append(localDeferred, *op)
			if syncPersist {
				persisted = append(persisted, *op)
			}
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}

	// One SERVER_BATCH_EVENT for the whole batch, then the REPLICATED and
	// PERSISTED notifications in ladder order.
	c.broadcaster.BroadcastBatch(events, sess.ID)
	for _, op := range localDeferred {
		c.tracker.Notify(op.ID, protocol.ConcernReplicated)
	}
	for _, op := range persisted {
		c.tracker.Notify(op.ID, protocol.ConcernPersisted)
	}
}

// forwardOp routes an op to its partition owner over the cluster transport.
func (c *Coordinator) forwardOp(op *protocol.Op, sessionID string) {
	owner := c.parts.OwnerOf(op.Key)
	metrics.OpsForwarded.Inc()
	err := c.peers.Send(owner, &protocol.Frame{
		Type:         protocol.MsgOpForward,
		Op:           op,
		OriginNodeID: c.peers.LocalID(),
		SenderID:     c.peers.LocalID() + ":" + sessionID,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("owner", owner).Str("key", op.Key).Msg("op forward failed")
	}
}
