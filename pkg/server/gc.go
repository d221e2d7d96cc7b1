package server

import (
	"sync"
	"time"

	"github.com/topgundb/topgun/pkg/crdt"
	"github.com/topgundb/topgun/pkg/hlc"
	"github.com/topgundb/topgun/pkg/metrics"
	"github.com/topgundb/topgun/pkg/protocol"
)

// gcState tracks the coordinator's role in the distributed prune. The leader
// is the lexicographically smallest member id; it gathers per-node minimum
// HLC reports, derives the safe horizon, and commits it to everyone.
type gcState struct {
	mu      sync.Mutex
	reports map[string]hlc.Timestamp // node id -> its min HLC
}

// gcLoop runs periodic rounds until stop.
func (c *Coordinator) gcLoop() {
	defer c.wg.Done()
	interval := c.cfg.GCInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.startGCRound()
		case <-c.stopCh:
			return
		}
	}
}

// gcLeader returns the id of the member that coordinates prune rounds.
func (c *Coordinator) gcLeader() string {
	members := c.parts.Members()
	if len(members) == 0 {
		return c.cfg.NodeID
	}
	return members[0] // sorted ascending
}

// localMinHLC is the oldest timestamp any connected session may still write
// with. With no sessions the node's own clock bounds it.
func (c *Coordinator) localMinHLC() hlc.Timestamp {
	min := c.clock.Now()
	c.conns.Each(func(sess *Session) {
		if last := sess.LastHLC(); !last.IsZero() && last.Before(min) {
			min = last
		}
	})
	return min
}

// startGCRound reports the local minimum to the leader. The leader records
// its own report directly.
func (c *Coordinator) startGCRound() {
	min := c.localMinHLC()
	leader := c.gcLeader()
	if leader == c.cfg.NodeID {
		c.onGCReport(c.cfg.NodeID, &protocol.Frame{MinHLC: &min})
		return
	}
	err := c.peers.Send(leader, &protocol.Frame{
		Type:         protocol.MsgClusterGCReport,
		OriginNodeID: c.cfg.NodeID,
		MinHLC:       &min,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("leader", leader).Msg("gc report failed")
	}
}

// onGCReport records one member's minimum on the leader. Once every member
// reported, the safe horizon commits: anything older than the global minimum
// minus the GC age can never be resurrected by a lagging writer.
func (c *Coordinator) onGCReport(from string, frame *protocol.Frame) {
	if frame.MinHLC == nil {
		return
	}
	c.gc.mu.Lock()
	c.gc.reports[from] = *frame.MinHLC

	members := c.parts.Members()
	for _, m := range members {
		if _, ok := c.gc.reports[m]; !ok {
			c.gc.mu.Unlock()
			return
		}
	}
	global := c.gc.reports[members[0]]
	for _, m := range members[1:] {
		if r := c.gc.reports[m]; r.Before(global) {
			global = r
		}
	}
	c.gc.reports = make(map[string]hlc.Timestamp)
	c.gc.mu.Unlock()

	gcAge := c.cfg.GCAge
	if gcAge <= 0 {
		gcAge = 30 * 24 * time.Hour
	}
	safe := hlc.Timestamp{Millis: global.Millis - gcAge.Milliseconds(), NodeID: global.NodeID}

	c.peers.Broadcast(&protocol.Frame{
		Type:         protocol.MsgClusterGCCommit,
		OriginNodeID: c.cfg.NodeID,
		Safe:         &safe,
	})
	c.applyGC(safe)
}

// onGCCommit applies a leader-committed horizon on a follower.
func (c *Coordinator) onGCCommit(_ string, frame *protocol.Frame) {
	if frame.Safe == nil {
		return
	}
	c.applyGC(*frame.Safe)
}

// applyGC expires TTLs and prunes tombstones older than the safe horizon on
// every local map. Expiry writes a tombstone dated at the expiration
// instant, so replicas converge on the same removal regardless of when each
// one runs its round.
func (c *Coordinator) applyGC(safe hlc.Timestamp) {
	metrics.GCRounds.Inc()
	now := c.clock.Now().Millis
	pruned := 0

	c.maps.Each(func(m *ManagedMap) {
		if err := m.Ready(); err != nil {
			return
		}
		var events []protocol.Event

		if m.Type == crdt.MapTypeLWW {
			for key, expiredAt := range m.LWW.ExpiredKeys(now) {
				tomb := crdt.Record{Timestamp: hlc.Timestamp{Millis: expiredAt, NodeID: c.cfg.NodeID}}
				m.Lock()
				merged, applied := m.LWW.Merge(key, tomb)
				m.Unlock()
				if !applied {
					continue
				}
				_ = c.maps.PersistRecord(m, key)
				events = append(events, protocol.Event{
					MapName:   m.Name,
					MapType:   crdt.MapTypeLWW,
					Key:       key,
					Type:      protocol.EventDelete,
					Record:    &merged,
					Timestamp: merged.Timestamp,
				})
			}
			for _, key := range m.LWW.PruneTombstones(safe) {
				pruned++
				if err := c.maps.Store().DeleteRecord(m.Name, key); err != nil {
					c.logger.Warn().Err(err).Str("map", m.Name).Str("key", key).Msg("gc delete failed")
				}
			}
		} else {
			for key, entries := range m.OR.ExpiredEntries(now) {
				for _, e := range entries {
					at := hlc.Timestamp{Millis: e.ExpiresAt(), NodeID: c.cfg.NodeID}
					m.Lock()
					applied := m.OR.Remove(key, e.Tag, at)
					m.Unlock()
					if !applied {
						continue
					}
					_ = c.maps.PersistRecord(m, key)
					events = append(events, protocol.Event{
						MapName:   m.Name,
						MapType:   crdt.MapTypeOR,
						Key:       key,
						Type:      protocol.EventDelete,
						Tag:       e.Tag,
						Timestamp: at,
					})
				}
			}
			if n := m.OR.PruneTombstones(safe); n > 0 {
				pruned += n
				_ = c.maps.PersistTombstones(m)
			}
		}

		if len(events) > 0 {
			metrics.MapSize.WithLabelValues(m.Name).Set(float64(m.Len()))
			for i := range events {
				ev := &events[i]
				c.registry.ProcessChange(m, ev.Key, ev, nil)
				if c.journal != nil {
					c.journal.Append(m.Name, ev)
				}
				if c.search != nil {
					c.search.Update(m.Name, ev.Key, ev)
				}
			}
			c.broadcaster.Broadcast(&protocol.Frame{
				Type:    protocol.MsgGCPrune,
				MapName: m.Name,
				Events:  events,
			}, "")
		}
	})

	if pruned > 0 {
		metrics.GCPrunedRecords.Add(float64(pruned))
	}
	c.logger.Debug().Str("safe", safe.String()).Int("pruned", pruned).Msg("gc round applied")
}
