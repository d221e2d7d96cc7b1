package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/topgundb/topgun/pkg/crdt"
	"github.com/topgundb/topgun/pkg/hlc"
	"github.com/topgundb/topgun/pkg/protocol"
)

// counterState is the wire form of a PN-counter sync.
type counterState struct {
	Incs map[string]int64 `json:"incs"`
	Decs map[string]int64 `json:"decs"`
}

// orRepair is the wire form of OR-map repair data.
type orRepair struct {
	Entries    map[string][]crdt.TaggedEntry `json:"entries"`
	Tombstones map[string]hlc.Timestamp      `json:"tombstones"`
}

// handleClusterMessage dispatches one peer frame. from is the sending node
// id as authenticated by the cluster transport.
func (c *Coordinator) handleClusterMessage(from string, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.MsgOpForward:
		c.onOpForward(from, frame)
	case protocol.MsgClusterEvent:
		c.onClusterEvent(from, frame)
	case protocol.MsgClusterQueryExec:
		c.onClusterQueryExec(from, frame)
	case protocol.MsgClusterQueryResp:
		c.onClusterQueryResp(from, frame)
	case protocol.MsgClusterGCReport:
		c.onGCReport(from, frame)
	case protocol.MsgClusterGCCommit:
		c.onGCCommit(from, frame)
	case protocol.MsgClusterLockReq:
		c.onClusterLockReq(from, frame)
	case protocol.MsgClusterLockRelease:
		c.onClusterLockRelease(from, frame)
	case protocol.MsgClusterLockGranted:
		c.routeLockResult(frame, protocol.MsgLockGranted)
	case protocol.MsgClusterLockReleased:
		c.routeLockResult(frame, protocol.MsgLockReleased)
	case protocol.MsgClusterDisconnected:
		c.locks.ReleaseHolder(frame.SenderID)
	case protocol.MsgClusterTopicPub:
		c.topics.DeliverLocal(frame.Topic, frame.Payload, "")
	case protocol.MsgCounterSync:
		c.onCounterSync(from, frame)
	case protocol.MsgClusterMerkleRootReq:
		c.onMerkleRootReq(from, frame)
	case protocol.MsgClusterMerkleRootRsp:
		c.onMerkleRootResp(from, frame)
	case protocol.MsgClusterRepairDataReq:
		c.onRepairDataReq(from, frame)
	case protocol.MsgClusterRepairDataRsp:
		c.onRepairDataResp(from, frame)
	default:
		c.logger.Warn().Str("peer", from).Str("type", string(frame.Type)).Msg("unknown cluster message")
	}
}

// onOpForward applies an op on behalf of the origin node, which routed it
// here because this node owns the key's partition.
func (c *Coordinator) onOpForward(from string, frame *protocol.Frame) {
	if frame.Op == nil {
		return
	}
	if _, err := c.processLocal(frame.Op, true, frame.SenderID, false); err != nil {
		c.logger.Warn().Err(err).Str("peer", from).Str("key", frame.Op.Key).Msg("forwarded op failed")
	}
}

// onClusterEvent folds a replicated change in. Owners and backups store it;
// every node feeds its local subscribers either way.
func (c *Coordinator) onClusterEvent(from string, frame *protocol.Frame) {
	ev := frame.Event
	if ev == nil {
		return
	}
	if c.parts.IsOwnerOrBackup(c.cfg.NodeID, ev.Key) {
		op := opFromEvent(ev)
		if _, err := c.applyToMap(op, false); err != nil {
			c.logger.Warn().Err(err).Str("peer", from).Str("key", ev.Key).Msg("replicated event apply failed")
			return
		}
	}
	c.broadcaster.Broadcast(&protocol.Frame{Type: protocol.MsgServerEvent, Event: ev}, "")
}

// opFromEvent reconstructs the merge input a replicated event carries.
func opFromEvent(ev *protocol.Event) *protocol.Op {
	op := &protocol.Op{
		MapName: ev.MapName,
		MapType: ev.MapType,
		Key:     ev.Key,
	}
	if ev.MapType == crdt.MapTypeOR {
		if ev.Type == protocol.EventDelete {
			op.Type = protocol.OpORRemove
			op.Tag = ev.Tag
			op.Record = &crdt.Record{Timestamp: ev.Timestamp}
		} else {
			op.Type = protocol.OpORAdd
			op.Entry = ev.ORRecord
		}
		return op
	}
	op.Type = protocol.OpLWWSet
	op.Record = ev.Record
	if op.Record == nil {
		op.Record = &crdt.Record{Timestamp: ev.Timestamp}
	}
	return op
}

// onClusterLockReq grants or queues a lock on the owning node. The waiter's
// grant callback fires on this node, possibly much later, and routes the
// token back to the origin.
func (c *Coordinator) onClusterLockReq(from string, frame *protocol.Frame) {
	name := frame.Name
	holder := frame.SenderID
	c.locks.Acquire(name, holder, msToDuration(frame.TTLMs), func(token uint64) {
		err := c.peers.Send(from, &protocol.Frame{
			Type:         protocol.MsgClusterLockGranted,
			Name:         name,
			SenderID:     holder,
			FencingToken: token,
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("peer", from).Str("lock", name).Msg("lock grant routing failed")
		}
	})
}

// onClusterLockRelease releases a remotely held lock on the owning node.
func (c *Coordinator) onClusterLockRelease(from string, frame *protocol.Frame) {
	released := c.locks.Release(frame.Name, frame.SenderID)
	err := c.peers.Send(from, &protocol.Frame{
		Type:     protocol.MsgClusterLockReleased,
		Name:     frame.Name,
		SenderID: frame.SenderID,
		Count:    boolToInt(released),
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("peer", from).Str("lock", frame.Name).Msg("lock release routing failed")
	}
}

// routeLockResult forwards a cluster lock outcome to the local session named
// by the composite holder id "{nodeId}:{sessionId}".
func (c *Coordinator) routeLockResult(frame *protocol.Frame, out protocol.MessageType) {
	_, sessionID, ok := splitHolderID(frame.SenderID)
	if !ok {
		return
	}
	sess, found := c.conns.Get(sessionID)
	if !found {
		return
	}
	_ = sess.Writer.Write(&protocol.Frame{
		Type:         out,
		Name:         frame.Name,
		FencingToken: frame.FencingToken,
	}, false)
}

// splitHolderID parses a composite "{nodeId}:{sessionId}" routing id.
func splitHolderID(holder string) (nodeID, sessionID string, ok bool) {
	i := strings.IndexByte(holder, ':')
	if i <= 0 || i == len(holder)-1 {
		return "", "", false
	}
	return holder[:i], holder[i+1:], true
}

// onCounterSync max-merges a peer's counter state and pushes the new value
// to local subscribers.
func (c *Coordinator) onCounterSync(from string, frame *protocol.Frame) {
	var state counterState
	if err := json.Unmarshal(frame.Entries, &state); err != nil {
		c.logger.Warn().Err(err).Str("peer", from).Msg("bad counter sync payload")
		return
	}
	value := c.counters.MergeState(frame.Name, state.Incs, state.Decs)
	c.pushCounterValue(frame.Name, value, "")
}

// pushCounterValue fans a counter's current value to its subscribers.
func (c *Coordinator) pushCounterValue(name string, value int64, excludeSessionID string) {
	for _, id := range c.counters.Subscribers(name) {
		if id == excludeSessionID {
			continue
		}
		if sess, ok := c.conns.Get(id); ok {
			_ = sess.Writer.Write(&protocol.Frame{
				Type:         protocol.MsgCounterSync,
				Name:         name,
				CounterValue: value,
			}, false)
		}
	}
}

// syncCounterToPeers ships the local counter state cluster-wide.
func (c *Coordinator) syncCounterToPeers(name string) {
	if c.peers == nil || c.peers.Size() <= 1 {
		return
	}
	incs, decs := c.counters.State(name)
	data, err := json.Marshal(counterState{Incs: incs, Decs: decs})
	if err != nil {
		return
	}
	c.peers.Broadcast(&protocol.Frame{
		Type:         protocol.MsgCounterSync,
		OriginNodeID: c.cfg.NodeID,
		Name:         name,
		Entries:      data,
	})
}

// onMerkleRootReq answers with the local root for a map so the requester can
// detect divergence.
func (c *Coordinator) onMerkleRootReq(from string, frame *protocol.Frame) {
	root := ""
	if m, ok := c.maps.Get(frame.MapName); ok && m.Ready() == nil {
		root = m.MerkleRoot()
	}
	err := c.peers.Send(from, &protocol.Frame{
		Type:      protocol.MsgClusterMerkleRootRsp,
		RequestID: frame.RequestID,
		MapName:   frame.MapName,
		Root:      root,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("peer", from).Msg("merkle root response failed")
	}
}

// onMerkleRootResp compares roots and pulls repair data on divergence.
func (c *Coordinator) onMerkleRootResp(from string, frame *protocol.Frame) {
	m, ok := c.maps.Get(frame.MapName)
	if !ok || m.Ready() != nil {
		return
	}
	if frame.Root == "" || frame.Root == m.MerkleRoot() {
		return
	}
	c.logger.Info().Str("peer", from).Str("map", frame.MapName).Msg("merkle divergence; requesting repair data")
	err := c.peers.Send(from, &protocol.Frame{
		Type:    protocol.MsgClusterRepairDataReq,
		MapName: frame.MapName,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("peer", from).Msg("repair data request failed")
	}
}

// onRepairDataReq serializes the full map state for an anti-entropy pull.
func (c *Coordinator) onRepairDataReq(from string, frame *protocol.Frame) {
	m, ok := c.maps.Get(frame.MapName)
	if !ok || m.Ready() != nil {
		return
	}
	var data []byte
	var err error
	if m.Type == crdt.MapTypeLWW {
		records := make(map[string]crdt.Record)
		m.LWW.Each(func(key string, rec crdt.Record) bool {
			records[key] = rec
			return true
		})
		data, err = json.Marshal(records)
	} else {
		repair := orRepair{Entries: make(map[string][]crdt.TaggedEntry), Tombstones: m.OR.Tombstones()}
		m.OR.Each(func(key string, entries []crdt.TaggedEntry) bool {
			repair.Entries[key] = entries
			return true
		})
		data, err = json.Marshal(repair)
	}
	if err != nil {
		c.logger.Error().Err(err).Str("map", frame.MapName).Msg("repair data serialization failed")
		return
	}
	err = c.peers.Send(from, &protocol.Frame{
		Type:       protocol.MsgClusterRepairDataRsp,
		MapName:    frame.MapName,
		MapType:    m.Type,
		RepairData: data,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("peer", from).Msg("repair data response failed")
	}
}

// onRepairDataResp merges pulled state through the normal merge path, so
// repair is idempotent and never regresses a newer local record.
func (c *Coordinator) onRepairDataResp(from string, frame *protocol.Frame) {
	if frame.MapType == crdt.MapTypeOR {
		var repair orRepair
		if err := json.Unmarshal(frame.RepairData, &repair); err != nil {
			c.logger.Warn().Err(err).Str("peer", from).Msg("bad repair payload")
			return
		}
		for tag, ts := range repair.Tombstones {
			op := &protocol.Op{
				MapName: frame.MapName,
				MapType: crdt.MapTypeOR,
				Type:    protocol.OpORRemove,
				Tag:     tag,
				Record:  &crdt.Record{Timestamp: ts},
			}
			_, _ = c.applyToMap(op, false)
		}
		for key, entries := range repair.Entries {
			for _, e := range entries {
				entry := e
				op := &protocol.Op{
					MapName: frame.MapName,
					MapType: crdt.MapTypeOR,
					Type:    protocol.OpORAdd,
					Key:     key,
					Entry:   &entry,
				}
				_, _ = c.applyToMap(op, false)
			}
		}
		return
	}

	var records map[string]crdt.Record
	if err := json.Unmarshal(frame.RepairData, &records); err != nil {
		c.logger.Warn().Err(err).Str("peer", from).Msg("bad repair payload")
		return
	}
	for key, rec := range records {
		record := rec
		op := &protocol.Op{
			MapName: frame.MapName,
			MapType: crdt.MapTypeLWW,
			Type:    protocol.OpLWWSet,
			Key:     key,
			Record:  &record,
		}
		_, _ = c.applyToMap(op, false)
	}
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
