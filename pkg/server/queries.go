package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/topgundb/topgun/pkg/crdt"
	"github.com/topgundb/topgun/pkg/metrics"
	"github.com/topgundb/topgun/pkg/protocol"
	"github.com/topgundb/topgun/pkg/query"
)

// clusterQuery is one in-flight scatter: which peers still owe a response
// and the results gathered so far. done closes when the last peer answers;
// the gather also finalizes on timeout with whatever arrived.
type clusterQuery struct {
	id string

	mu       sync.Mutex
	awaiting map[string]struct{}
	results  []query.Result
	done     chan struct{}
}

func (cq *clusterQuery) absorb(from string, results []query.Result) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if _, ok := cq.awaiting[from]; !ok {
		return
	}
	delete(cq.awaiting, from)
	cq.results = append(cq.results, results...)
	if len(cq.awaiting) == 0 {
		close(cq.done)
	}
}

// executeLocalQuery scans one local map and returns the matching results.
// The single-key shortcut reads one key instead of scanning.
func (c *Coordinator) executeLocalQuery(mapName string, q *query.Query) []query.Result {
	m, ok := c.maps.Get(mapName)
	if !ok {
		return nil
	}
	if err := m.Ready(); err != nil {
		return nil
	}

	var out []query.Result
	if m.Type == crdt.MapTypeLWW {
		if q != nil && q.Key != "" {
			rec, ok := m.LWW.Get(q.Key)
			if ok && !rec.IsTombstone() && q.Matches(q.Key, rec.Value) {
				out = append(out, query.Result{Key: q.Key, Value: rec.Value, Timestamp: rec.Timestamp})
			}
			return out
		}
		m.LWW.Each(func(key string, rec crdt.Record) bool {
			if !rec.IsTombstone() && q.Matches(key, rec.Value) {
				out = append(out, query.Result{Key: key, Value: rec.Value, Timestamp: rec.Timestamp})
			}
			return true
		})
		return out
	}

	m.OR.Each(func(key string, entries []crdt.TaggedEntry) bool {
		if q != nil && q.Key != "" && q.Key != key {
			return true
		}
		value := aggregateEntries(entries)
		if q.Matches(key, value) {
			var latest crdt.TaggedEntry
			for _, e := range entries {
				if latest.Tag == "" || latest.Timestamp.Before(e.Timestamp) {
					latest = e
				}
			}
			out = append(out, query.Result{Key: key, Value: value, Timestamp: latest.Timestamp})
		}
		return true
	})
	return out
}

// scatterQuery runs the query locally and on every remote owner of a
// relevant partition, then gathers with a bounded wait. Peers that miss the
// deadline are dropped from the result, not retried.
func (c *Coordinator) scatterQuery(mapName string, q *query.Query) []query.Result {
	local := c.executeLocalQuery(mapName, q)

	partitions := c.parts.RelevantPartitions(q)
	remotes := c.parts.NodesForPartitions(partitions)
	if len(remotes) == 0 {
		return local
	}

	cq := &clusterQuery{
		id:       uuid.NewString(),
		awaiting: make(map[string]struct{}, len(remotes)),
		done:     make(chan struct{}),
		results:  local,
	}
	for _, node := range remotes {
		cq.awaiting[node] = struct{}{}
	}
	c.cqMu.Lock()
	c.clusterQueries[cq.id] = cq
	c.cqMu.Unlock()
	metrics.ClusterQueriesActive.Inc()
	defer func() {
		c.cqMu.Lock()
		delete(c.clusterQueries, cq.id)
		c.cqMu.Unlock()
		metrics.ClusterQueriesActive.Dec()
	}()

	// Peers run the bare predicate; limit and cursor apply only after the
	// global sort, so a peer-side limit would drop rows the merge needs.
	remote := &query.Query{Where: q.Where, Sort: q.Sort, Key: q.Key}
	for _, node := range remotes {
		err := c.peers.Send(node, &protocol.Frame{
			Type:      protocol.MsgClusterQueryExec,
			RequestID: cq.id,
			MapName:   mapName,
			Query:     remote,
		})
		if err != nil {
			cq.absorb(node, nil)
		}
	}

	timeout := c.cfg.ClusterQueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-cq.done:
	case <-time.After(timeout):
		metrics.ClusterQueryTimeouts.Inc()
		c.logger.Warn().Str("query", cq.id).Str("map", mapName).Msg("cluster query timed out; partial results")
	}

	cq.mu.Lock()
	results := cq.results
	cq.mu.Unlock()
	return results
}

// handleQuerySub services QUERY_SUB: snapshot via scatter/gather, cursor
// pagination, then registration for incremental deltas.
func (c *Coordinator) handleQuerySub(sess *Session, frame *protocol.Frame) {
	principal := sess.Principal()
	if !c.policy.Allow(principal, ActionRead, frame.MapName) {
		c.sendError(sess, protocol.ErrCodeForbidden, "Not permitted")
		return
	}
	q := frame.Query
	if q == nil {
		q = &query.Query{}
	}
	queryID := frame.QueryID
	if queryID == "" {
		queryID = uuid.NewString()
	}

	lastKey, lastSortValue, status := query.DecodeCursor(q, q.Cursor, c.cfg.CursorMaxAge)
	if status == query.CursorInvalid || status == query.CursorExpired {
		_ = sess.Writer.Write(&protocol.Frame{
			Type:         protocol.MsgQueryResp,
			QueryID:      queryID,
			CursorStatus: status,
		}, false)
		return
	}

	results := c.scatterQuery(frame.MapName, q)
	results = query.DedupResults(results)
	query.SortResults(results, q.Sort)

	// The live subscription tracks the full match set, not just this page,
	// so the seed is captured before cursor and limit trim it.
	var seed []string
	if c.cfg.EnableSubscriptions {
		seed = make([]string, 0, len(results))
		for _, r := range results {
			seed = append(seed, r.Key)
		}
	}

	if status == query.CursorValid {
		results = query.AfterCursor(results, q, lastKey, lastSortValue)
	}

	hasMore := false
	var nextCursor string
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
		hasMore = true
		nextCursor = query.EncodeCursor(q, results[len(results)-1])
	}

	if c.cfg.EnableSubscriptions {
		c.registry.Register(&Subscription{
			QueryID:   queryID,
			SessionID: sess.ID,
			MapName:   frame.MapName,
			Query:     q,
			Fields:    q.Fields,
		}, seed)
		sess.AddSubscription(queryID)
	}

	filtered := make([]query.Result, len(results))
	for i, r := range results {
		value := c.policy.FilterFields(principal, frame.MapName, r.Value)
		filtered[i] = query.Result{Key: r.Key, Value: projectFields(value, q.Fields), Timestamp: r.Timestamp}
	}

	_ = sess.Writer.Write(&protocol.Frame{
		Type:         protocol.MsgQueryResp,
		QueryID:      queryID,
		MapName:      frame.MapName,
		QueryResults: filtered,
		NextCursor:   nextCursor,
		HasMore:      hasMore,
		CursorStatus: status,
	}, false)
}

// handleQueryUnsub services QUERY_UNSUB.
func (c *Coordinator) handleQueryUnsub(sess *Session, frame *protocol.Frame) {
	c.registry.Unregister(frame.QueryID)
	sess.RemoveSubscription(frame.QueryID)
}

// onClusterQueryExec runs a scattered query on behalf of a peer.
func (c *Coordinator) onClusterQueryExec(from string, frame *protocol.Frame) {
	results := c.executeLocalQuery(frame.MapName, frame.Query)
	err := c.peers.Send(from, &protocol.Frame{
		Type:         protocol.MsgClusterQueryResp,
		RequestID:    frame.RequestID,
		QueryResults: results,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("peer", from).Msg("cluster query response failed")
	}
}

// onClusterQueryResp folds a peer's answer into the waiting gather. Late
// responses for a finished gather are dropped.
func (c *Coordinator) onClusterQueryResp(from string, frame *protocol.Frame) {
	c.cqMu.Lock()
	cq, ok := c.clusterQueries[frame.RequestID]
	c.cqMu.Unlock()
	if !ok {
		return
	}
	cq.absorb(from, frame.QueryResults)
}
