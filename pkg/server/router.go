package server

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/topgundb/topgun/pkg/protocol"
)

// sendError writes an ERROR frame on the urgent path.
func (c *Coordinator) sendError(sess *Session, code int, message string) {
	_ = sess.Writer.Write(&protocol.Frame{
		Type:    protocol.MsgError,
		Code:    code,
		Message: message,
	}, true)
}

// handleMessage routes one inbound client frame: schema validation, the
// heartbeat fast path, HLC bookkeeping, the pre-auth gate, then the handler
// table.
func (c *Coordinator) handleMessage(sess *Session, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		c.sendError(sess, protocol.ErrCodeBadRequest, "Malformed message")
		return
	}
	if err := frame.Validate(); err != nil {
		c.sendError(sess, protocol.ErrCodeBadRequest, err.Error())
		return
	}

	// Any frame counts as liveness; PING is just the cheapest one.
	c.conns.UpdateLastPing(sess.ID)
	if frame.Timestamp != nil {
		c.clock.Update(*frame.Timestamp)
		sess.UpdateHLC(*frame.Timestamp)
	}

	if frame.Type == protocol.MsgPing {
		now := c.clock.Now()
		_ = sess.Writer.Write(&protocol.Frame{Type: protocol.MsgPong, Timestamp: &now}, true)
		return
	}

	if !sess.Authenticated() {
		if frame.Type == protocol.MsgAuth {
			c.handleAuth(sess, frame)
			return
		}
		c.closeSession(sess, protocol.CloseUnauthorized, "Not authenticated")
		return
	}

	switch frame.Type {
	case protocol.MsgAuth:
		// Duplicate AUTH on an authenticated session is ignored.
	case protocol.MsgClientOp:
		c.handleClientOp(sess, frame)
	case protocol.MsgOpBatch:
		c.handleOpBatch(sess, frame)
	case protocol.MsgQuerySub:
		c.handleQuerySub(sess, frame)
	case protocol.MsgQueryUnsub:
		c.handleQueryUnsub(sess, frame)
	case protocol.MsgSyncInit, protocol.MsgMerkleReqBucket,
		protocol.MsgORMapSyncInit, protocol.MsgORMapMerkleBucket,
		protocol.MsgORMapDiffRequest, protocol.MsgORMapPushDiff:
		c.handleSync(sess, frame)
	case protocol.MsgLockRequest:
		c.handleLockRequest(sess, frame)
	case protocol.MsgLockRelease:
		c.handleLockRelease(sess, frame)
	case protocol.MsgTopicSub:
		c.handleTopicSub(sess, frame)
	case protocol.MsgTopicUnsub:
		c.topics.Unsubscribe(frame.Topic, sess.ID)
	case protocol.MsgTopicPub:
		c.handleTopicPub(sess, frame)
	case protocol.MsgCounterRequest:
		c.handleCounterRequest(sess, frame)
	case protocol.MsgEntryProcess:
		c.handleEntryProcess(sess, frame)
	case protocol.MsgEntryProcessBatch:
		c.handleEntryProcessBatch(sess, frame)
	case protocol.MsgRegisterResolver:
		c.handleRegisterResolver(sess, frame)
	case protocol.MsgUnregisterResolver:
		c.handleUnregisterResolver(sess, frame)
	case protocol.MsgListResolvers:
		_ = sess.Writer.Write(&protocol.Frame{
			Type:      protocol.MsgListResolvers,
			Resolvers: c.resolvers.List(),
		}, false)
	case protocol.MsgPartitionMapReq:
		c.handlePartitionMapRequest(sess, frame)
	case protocol.MsgSearch:
		c.handleSearch(sess, frame)
	case protocol.MsgSearchSub:
		c.handleSearchSub(sess, frame)
	case protocol.MsgSearchUnsub:
		if c.search != nil {
			c.search.Unsubscribe(frame.QueryID)
		}
	case protocol.MsgJournalSubscribe:
		c.handleJournalSubscribe(sess, frame)
	case protocol.MsgJournalUnsubscribe:
		if c.journal != nil {
			c.journal.Unsubscribe(frame.MapName, sess.ID)
		}
	case protocol.MsgJournalRead:
		c.handleJournalRead(sess, frame)
	default:
		c.sendError(sess, protocol.ErrCodeBadRequest, "Unknown message type: "+string(frame.Type))
	}
}

// handleAuth verifies the token and flips the session to authenticated.
func (c *Coordinator) handleAuth(sess *Session, frame *protocol.Frame) {
	principal, err := c.verifier.VerifyToken(frame.Token)
	if err != nil {
		_ = sess.Writer.Write(&protocol.Frame{
			Type:    protocol.MsgAuthFail,
			Message: "Authentication failed",
		}, true)
		// The read-loop exit owns the limiter decrement for sessions that
		// never authenticated; decrementing here too would double-count.
		c.closeSession(sess, protocol.CloseUnauthorized, "Authentication failed")
		return
	}
	sess.SetAuthenticated(principal)
	c.limiter.OnEstablished()
	now := c.clock.Now()
	_ = sess.Writer.Write(&protocol.Frame{
		Type:            protocol.MsgAuthAck,
		ProtocolVersion: 1,
		Timestamp:       &now,
	}, true)
	for _, ic := range c.interceptors {
		ic.OnConnect(sess.ID)
	}
	c.logger.Debug().Str("session", sess.ID).Str("user", principal.UserID).Msg("session authenticated")
}

// handleClientOp runs a single op through the same admission and concern
// machinery as a batch of one.
func (c *Coordinator) handleClientOp(sess *Session, frame *protocol.Frame) {
	if frame.Op == nil {
		c.sendError(sess, protocol.ErrCodeBadRequest, "CLIENT_OP missing op")
		return
	}
	single := &protocol.Frame{
		Type:         protocol.MsgOpBatch,
		Ops:          []protocol.Op{*frame.Op},
		WriteConcern: frame.WriteConcern,
		TimeoutMs:    frame.TimeoutMs,
	}
	c.handleOpBatch(sess, single)
}

// handleLockRequest grants locally owned locks directly and forwards the
// rest to the lock's partition owner.
func (c *Coordinator) handleLockRequest(sess *Session, frame *protocol.Frame) {
	name := frame.Name
	if name == "" {
		c.sendError(sess, protocol.ErrCodeBadRequest, "LOCK_REQUEST missing name")
		return
	}
	holder := c.cfg.NodeID + ":" + sess.ID
	owner := c.parts.OwnerOf(name)
	if owner == c.cfg.NodeID {
		sessID := sess.ID
		c.locks.Acquire(name, holder, msToDuration(frame.TTLMs), func(token uint64) {
			if s, ok := c.conns.Get(sessID); ok {
				_ = s.Writer.Write(&protocol.Frame{
					Type:         protocol.MsgLockGranted,
					Name:         name,
					FencingToken: token,
				}, false)
			}
		})
		return
	}
	err := c.peers.Send(owner, &protocol.Frame{
		Type:     protocol.MsgClusterLockReq,
		Name:     name,
		SenderID: holder,
		TTLMs:    frame.TTLMs,
	})
	if err != nil {
		c.sendError(sess, protocol.ErrCodeOverloaded, "Lock owner unreachable")
	}
}

// handleLockRelease mirrors handleLockRequest for release.
func (c *Coordinator) handleLockRelease(sess *Session, frame *protocol.Frame) {
	name := frame.Name
	holder := c.cfg.NodeID + ":" + sess.ID
	owner := c.parts.OwnerOf(name)
	if owner == c.cfg.NodeID {
		released := c.locks.Release(name, holder)
		_ = sess.Writer.Write(&protocol.Frame{
			Type:  protocol.MsgLockReleased,
			Name:  name,
			Count: boolToInt(released),
		}, false)
		return
	}
	err := c.peers.Send(owner, &protocol.Frame{
		Type:     protocol.MsgClusterLockRelease,
		Name:     name,
		SenderID: holder,
	})
	if err != nil {
		c.sendError(sess, protocol.ErrCodeOverloaded, "Lock owner unreachable")
	}
}

// handleTopicSub registers a topic subscription when subscriptions are on.
func (c *Coordinator) handleTopicSub(sess *Session, frame *protocol.Frame) {
	if !c.cfg.EnableSubscriptions {
		c.sendError(sess, protocol.ErrCodeForbidden, "Subscriptions are disabled")
		return
	}
	if !c.policy.Allow(sess.Principal(), ActionRead, frame.Topic) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	c.topics.Subscribe(frame.Topic, sess.ID)
}

// handleTopicPub fans a publish to local subscribers and every peer. Peers
// deliver locally only, so a publish traverses the cluster exactly once.
func (c *Coordinator) handleTopicPub(sess *Session, frame *protocol.Frame) {
	if !c.policy.Allow(sess.Principal(), ActionPut, frame.Topic) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	c.topics.DeliverLocal(frame.Topic, frame.Payload, sess.ID)
	if c.peers != nil && c.peers.Size() > 1 {
		c.peers.Broadcast(&protocol.Frame{
			Type:         protocol.MsgClusterTopicPub,
			OriginNodeID: c.cfg.NodeID,
			Topic:        frame.Topic,
			Payload:      frame.Payload,
		})
	}
}

// handleCounterRequest applies an optional delta, subscribes the session,
// and answers with the current value.
func (c *Coordinator) handleCounterRequest(sess *Session, frame *protocol.Frame) {
	if frame.Name == "" {
		c.sendError(sess, protocol.ErrCodeBadRequest, "COUNTER_REQUEST missing name")
		return
	}
	if !c.policy.Allow(sess.Principal(), ActionRead, frame.Name) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	value := c.counters.Value(frame.Name)
	if frame.CounterDelta != 0 {
		if !c.policy.Allow(sess.Principal(), ActionPut, frame.Name) {
			c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
			return
		}
		value = c.counters.Apply(frame.Name, frame.CounterDelta)
		c.syncCounterToPeers(frame.Name)
		c.pushCounterValue(frame.Name, value, sess.ID)
	}
	c.counters.Subscribe(frame.Name, sess.ID)
	_ = sess.Writer.Write(&protocol.Frame{
		Type:         protocol.MsgCounterSync,
		Name:         frame.Name,
		CounterValue: value,
	}, false)
}

// handleRegisterResolver binds a named merge strategy to a map.
func (c *Coordinator) handleRegisterResolver(sess *Session, frame *protocol.Frame) {
	if !c.policy.Allow(sess.Principal(), ActionPut, frame.MapName) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	if err := c.resolvers.Register(frame.MapName, frame.Name); err != nil {
		c.sendError(sess, protocol.ErrCodeBadRequest, err.Error())
		return
	}
	_ = sess.Writer.Write(&protocol.Frame{
		Type:      protocol.MsgListResolvers,
		Resolvers: c.resolvers.List(),
	}, false)
}

// handleUnregisterResolver removes a map's merge strategy.
func (c *Coordinator) handleUnregisterResolver(sess *Session, frame *protocol.Frame) {
	if !c.policy.Allow(sess.Principal(), ActionPut, frame.MapName) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	c.resolvers.Unregister(frame.MapName)
}

// handlePartitionMapRequest answers only when the server's map is newer
// than the version the client already holds.
func (c *Coordinator) handlePartitionMapRequest(sess *Session, frame *protocol.Frame) {
	if frame.Version >= c.parts.Version() {
		return
	}
	snapshot := c.parts.Snapshot()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	_ = sess.Writer.Write(&protocol.Frame{
		Type:         protocol.MsgPartitionMap,
		Version:      snapshot.Version,
		PartitionMap: data,
	}, false)
}

// handleSearch answers a one-shot term search.
func (c *Coordinator) handleSearch(sess *Session, frame *protocol.Frame) {
	if c.search == nil {
		c.sendError(sess, protocol.ErrCodeBadRequest, "Search is disabled")
		return
	}
	if !c.policy.Allow(sess.Principal(), ActionRead, frame.MapName) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	_ = sess.Writer.Write(&protocol.Frame{
		Type:    protocol.MsgSearchResp,
		QueryID: frame.QueryID,
		MapName: frame.MapName,
		Keys:    c.search.Search(frame.MapName, frame.Keys),
	}, false)
}

// handleSearchSub registers a live search seeded with the current matches.
func (c *Coordinator) handleSearchSub(sess *Session, frame *protocol.Frame) {
	if c.search == nil {
		c.sendError(sess, protocol.ErrCodeBadRequest, "Search is disabled")
		return
	}
	if !c.cfg.EnableSubscriptions {
		c.sendError(sess, protocol.ErrCodeForbidden, "Subscriptions are disabled")
		return
	}
	if !c.policy.Allow(sess.Principal(), ActionRead, frame.MapName) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	queryID := frame.QueryID
	if queryID == "" {
		queryID = uuid.NewString()
	}
	seed := c.search.Subscribe(queryID, sess.ID, frame.MapName, frame.Keys)
	_ = sess.Writer.Write(&protocol.Frame{
		Type:    protocol.MsgSearchResp,
		QueryID: queryID,
		MapName: frame.MapName,
		Keys:    seed,
	}, false)
}

// handleJournalSubscribe attaches the session to a map's journal stream.
func (c *Coordinator) handleJournalSubscribe(sess *Session, frame *protocol.Frame) {
	if c.journal == nil {
		c.sendError(sess, protocol.ErrCodeBadRequest, "Journal is disabled")
		return
	}
	if !c.policy.Allow(sess.Principal(), ActionRead, frame.MapName) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	c.journal.Subscribe(frame.MapName, sess.ID)
}

// handleJournalRead returns retained journal entries from a sequence.
func (c *Coordinator) handleJournalRead(sess *Session, frame *protocol.Frame) {
	if c.journal == nil {
		c.sendError(sess, protocol.ErrCodeBadRequest, "Journal is disabled")
		return
	}
	if !c.policy.Allow(sess.Principal(), ActionRead, frame.MapName) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	entries := c.journal.Read(frame.MapName, frame.FromSeq, frame.Limit)
	data, err := json.Marshal(entries)
	if err != nil {
		c.sendError(sess, protocol.ErrCodeBadRequest, "Journal serialization failed")
		return
	}
	_ = sess.Writer.Write(&protocol.Frame{
		Type:    protocol.MsgJournalReadResponse,
		MapName: frame.MapName,
		Entries: data,
	}, false)
}
