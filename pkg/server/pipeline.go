package server

import (
	"fmt"

	"github.com/topgundb/topgun/pkg/crdt"
	"github.com/topgundb/topgun/pkg/metrics"
	"github.com/topgundb/topgun/pkg/protocol"
)

// applyOutcome is the result of one apply-to-map.
type applyOutcome struct {
	Event     *protocol.Event
	OldRecord *crdt.Record
	Rejected  bool
	Reason    string
}

// processLocal runs the full single-op pipeline: context build, before
// interceptors, apply-to-map, replicate, broadcast, after-interceptors.
// syncPersist gates storage on the synchronous path for PERSISTED concerns.
func (c *Coordinator) processLocal(op *protocol.Op, fromCluster bool, originSessionID string, syncPersist bool) (*protocol.Event, error) {
	return c.processOp(op, fromCluster, originSessionID, syncPersist, true)
}

// processOp is processLocal with the broadcast step optional: the batch
// processor collects events into a shared buffer and broadcasts once per
// batch instead of once per op.
func (c *Coordinator) processOp(op *protocol.Op, fromCluster bool, originSessionID string, syncPersist, broadcast bool) (*protocol.Event, error) {
	ctx := &OpContext{
		SessionID:      originSessionID,
		FromCluster:    fromCluster,
		OriginSenderID: originSessionID,
	}
	if !fromCluster {
		if sess, ok := c.conns.Get(originSessionID); ok {
			ctx.Principal = sess.Principal()
			ctx.Authenticated = sess.Authenticated()
		}
	}

	for _, ic := range c.interceptors {
		transformed, err := ic.OnBeforeOp(ctx, op)
		if err != nil {
			return nil, err
		}
		if transformed == nil {
			// Interceptor swallowed the op.
			return nil, nil
		}
		op = transformed
	}

	outcome, err := c.applyToMap(op, syncPersist)
	if err != nil {
		return nil, err
	}
	if outcome.Rejected {
		return nil, fmt.Errorf("%s", outcome.Reason)
	}
	if outcome.Event == nil {
		// Idempotent replay; nothing changed, nothing to fan out.
		return nil, nil
	}

	c.replicate(op, outcome.Event)
	if broadcast {
		c.broadcaster.Broadcast(&protocol.Frame{Type: protocol.MsgServerEvent, Event: outcome.Event}, originSessionID)
	}

	for _, ic := range c.interceptors {
		go ic.OnAfterOp(ctx, op, outcome.Event)
	}
	return outcome.Event, nil
}

// applyToMap performs the CRDT merge and its side effects: query registry
// notification, size metric, persistence, journal, search index.
func (c *Coordinator) applyToMap(op *protocol.Op, syncPersist bool) (applyOutcome, error) {
	hint := op.MapType
	if hint == "" {
		if op.Type == protocol.OpORAdd || op.Type == protocol.OpORRemove {
			hint = crdt.MapTypeOR
		} else {
			hint = crdt.MapTypeLWW
		}
	}
	m, err := c.maps.GetOrCreate(op.MapName, hint)
	if err != nil {
		// Map type contradicts the hint: protocol error, fatal for the op.
		metrics.OpsApplied.WithLabelValues(op.MapName, "type_mismatch").Inc()
		return applyOutcome{}, err
	}
	if err := m.Ready(); err != nil {
		return applyOutcome{}, fmt.Errorf("map %s unavailable: %w", op.MapName, err)
	}

	m.Lock()
	outcome, err := c.merge(m, op)
	m.Unlock()
	if err != nil || outcome.Rejected {
		if outcome.Rejected {
			metrics.OpsApplied.WithLabelValues(op.MapName, "rejected").Inc()
		}
		return outcome, err
	}
	if outcome.Event == nil {
		metrics.OpsApplied.WithLabelValues(op.MapName, "noop").Inc()
		return outcome, nil
	}
	metrics.OpsApplied.WithLabelValues(op.MapName, "applied").Inc()

	// Side effects after a successful merge.
	c.registry.ProcessChange(m, op.Key, outcome.Event, outcome.OldRecord)
	metrics.MapSize.WithLabelValues(m.Name).Set(float64(m.Len()))

	if syncPersist {
		if err := c.maps.PersistRecord(m, op.Key); err != nil {
			return outcome, fmt.Errorf("persist failed: %w", err)
		}
		if op.Type == protocol.OpORRemove {
			if err := c.maps.PersistTombstones(m); err != nil {
				return outcome, fmt.Errorf("persist failed: %w", err)
			}
		}
	} else {
		go func() {
			_ = c.maps.PersistRecord(m, op.Key)
			if op.Type == protocol.OpORRemove {
				_ = c.maps.PersistTombstones(m)
			}
		}()
	}

	if c.journal != nil {
		c.journal.Append(m.Name, outcome.Event)
	}
	if c.search != nil {
		c.search.Update(m.Name, op.Key, outcome.Event)
	}
	return outcome, nil
}

// merge applies one op to a locked map and builds the event payload.
func (c *Coordinator) merge(m *ManagedMap, op *protocol.Op) (applyOutcome, error) {
	switch op.Type {
	case protocol.OpLWWSet:
		if op.Record == nil {
			return applyOutcome{}, fmt.Errorf("LWW_SET missing record")
		}
		incoming := *op.Record
		old, hadOld := m.LWW.Get(op.Key)

		if resolver := c.resolvers.Resolve(m.Name); resolver != nil && hadOld {
			survivor, err := resolver(op.Key, old, incoming)
			if err != nil {
				return applyOutcome{Rejected: true, Reason: ErrMergeRejected.Error()}, nil
			}
			if survivor.Timestamp == old.Timestamp && !incoming.Timestamp.Before(old.Timestamp) {
				// Resolver kept the current record over a newer write.
				return applyOutcome{OldRecord: &old}, nil
			}
			incoming = survivor
		}

		merged, applied := m.LWW.Merge(op.Key, incoming)
		if !applied {
			var oldPtr *crdt.Record
			if hadOld {
				oldPtr = &old
			}
			return applyOutcome{OldRecord: oldPtr}, nil
		}

		ev := &protocol.Event{
			MapName:   m.Name,
			MapType:   crdt.MapTypeLWW,
			Key:       op.Key,
			Record:    &merged,
			Timestamp: merged.Timestamp,
			Type:      classify(hadOld, old, merged),
		}
		var oldPtr *crdt.Record
		if hadOld {
			oldPtr = &old
		}
		return applyOutcome{Event: ev, OldRecord: oldPtr}, nil

	case protocol.OpORAdd:
		if op.Entry == nil {
			return applyOutcome{}, fmt.Errorf("OR_ADD missing entry")
		}
		if !m.OR.Add(op.Key, *op.Entry) {
			return applyOutcome{}, nil
		}
		ev := &protocol.Event{
			MapName:   m.Name,
			MapType:   crdt.MapTypeOR,
			Key:       op.Key,
			Type:      protocol.EventPut,
			ORRecord:  op.Entry,
			Tag:       op.Entry.Tag,
			Timestamp: op.Entry.Timestamp,
		}
		return applyOutcome{Event: ev}, nil

	case protocol.OpORRemove:
		if op.Tag == "" {
			return applyOutcome{}, fmt.Errorf("OR_REMOVE missing tag")
		}
		at := c.clock.Now()
		if op.Record != nil {
			at = op.Record.Timestamp
		}
		if !m.OR.Remove(op.Key, op.Tag, at) {
			return applyOutcome{}, nil
		}
		ev := &protocol.Event{
			MapName:   m.Name,
			MapType:   crdt.MapTypeOR,
			Key:       op.Key,
			Type:      protocol.EventDelete,
			Tag:       op.Tag,
			Timestamp: at,
		}
		return applyOutcome{Event: ev}, nil

	default:
		return applyOutcome{}, fmt.Errorf("unknown op type: %s", op.Type)
	}
}

// classify derives the journal event class from the before/after records.
func classify(hadOld bool, old, merged crdt.Record) protocol.EventType {
	switch {
	case merged.IsTombstone():
		return protocol.EventDelete
	case !hadOld || old.IsTombstone():
		return protocol.EventPut
	default:
		return protocol.EventUpdate
	}
}

// replicate fans the event out to peers. Owners and backups store it; every
// peer feeds its local subscriptions. Failures are logged, not fatal.
func (c *Coordinator) replicate(op *protocol.Op, ev *protocol.Event) {
	if c.peers == nil || c.peers.Size() <= 1 {
		return
	}
	c.peers.Broadcast(&protocol.Frame{
		Type:         protocol.MsgClusterEvent,
		OriginNodeID: c.peers.LocalID(),
		Key:          op.Key,
		Event:        ev,
	})
}
