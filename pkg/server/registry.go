package server

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/topgundb/topgun/pkg/crdt"
	"github.com/topgundb/topgun/pkg/protocol"
	"github.com/topgundb/topgun/pkg/query"
)

// Subscription is one live query: its AST, interested fields, the owning
// session, and the key set of its previous result so incremental deltas can
// be classified without re-scanning the map.
type Subscription struct {
	QueryID   string
	SessionID string
	MapName   string
	Query     *query.Query
	Fields    []string // nil means ALL

	mu       sync.Mutex
	prevKeys map[string]struct{}
}

// QueryRegistry owns subscriptions and turns every successful apply into
// ADDED/UPDATED/REMOVED deltas for the affected queries.
type QueryRegistry struct {
	conns  *ConnectionManager
	policy *accessPolicy

	mu    sync.RWMutex
	byID  map[string]*Subscription
	byMap map[string]map[string]*Subscription
}

// NewQueryRegistry creates an empty registry.
func NewQueryRegistry(conns *ConnectionManager, policy *accessPolicy) *QueryRegistry {
	return &QueryRegistry{
		conns:  conns,
		policy: policy,
		byID:   make(map[string]*Subscription),
		byMap:  make(map[string]map[string]*Subscription),
	}
}

// Register stores a subscription seeded with its snapshot's key set.
func (r *QueryRegistry) Register(sub *Subscription, seedKeys []string) {
	sub.prevKeys = make(map[string]struct{}, len(seedKeys))
	for _, k := range seedKeys {
		sub.prevKeys[k] = struct{}{}
	}
	r.mu.Lock()
	r.byID[sub.QueryID] = sub
	m, ok := r.byMap[sub.MapName]
	if !ok {
		m = make(map[string]*Subscription)
		r.byMap[sub.MapName] = m
	}
	m[sub.QueryID] = sub
	r.mu.Unlock()
}

// Unregister removes one subscription.
func (r *QueryRegistry) Unregister(queryID string) {
	r.mu.Lock()
	if sub, ok := r.byID[queryID]; ok {
		delete(r.byID, queryID)
		if m, ok := r.byMap[sub.MapName]; ok {
			delete(m, queryID)
			if len(m) == 0 {
				delete(r.byMap, sub.MapName)
			}
		}
	}
	r.mu.Unlock()
}

// UnregisterSession removes every subscription a closing session owns.
func (r *QueryRegistry) UnregisterSession(sessionID string) {
	r.mu.Lock()
	for id, sub := range r.byID {
		if sub.SessionID == sessionID {
			delete(r.byID, id)
			if m, ok := r.byMap[sub.MapName]; ok {
				delete(m, id)
				if len(m) == 0 {
					delete(r.byMap, sub.MapName)
				}
			}
		}
	}
	r.mu.Unlock()
}

// SubscribersForMaps returns the session ids subscribed to any of the maps.
func (r *QueryRegistry) SubscribersForMaps(mapNames map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range mapNames {
		for _, sub := range r.byMap[name] {
			out[sub.SessionID] = struct{}{}
		}
	}
	return out
}

// ProcessChange re-evaluates the changed key against every subscription on
// the map and delivers deltas. This is the incremental path: no query is
// re-scanned on a write.
func (r *QueryRegistry) ProcessChange(m *ManagedMap, key string, ev *protocol.Event, oldRecord *crdt.Record) {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.byMap[m.Name]))
	for _, sub := range r.byMap[m.Name] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	value, present := currentValue(m, key)

	for _, sub := range subs {
		matches := present && sub.Query.Matches(key, value)

		sub.mu.Lock()
		_, was := sub.prevKeys[key]
		var deltaType protocol.QueryDeltaType
		switch {
		case matches && !was:
			deltaType = protocol.DeltaAdded
			sub.prevKeys[key] = struct{}{}
		case matches && was:
			deltaType = protocol.DeltaUpdated
		case !matches && was:
			deltaType = protocol.DeltaRemoved
			delete(sub.prevKeys, key)
		default:
			sub.mu.Unlock()
			continue
		}
		sub.mu.Unlock()

		r.deliver(sub, deltaType, key, value)
	}
}

// deliver sends one delta to the subscription's session, field-filtered for
// that session's principal.
func (r *QueryRegistry) deliver(sub *Subscription, deltaType protocol.QueryDeltaType, key string, value json.RawMessage) {
	sess, ok := r.conns.Get(sub.SessionID)
	if !ok || !sess.Authenticated() {
		return
	}
	if deltaType != protocol.DeltaRemoved {
		value = r.policy.FilterFields(sess.Principal(), sub.MapName, value)
		value = projectFields(value, sub.Fields)
	} else {
		value = nil
	}
	frame := &protocol.Frame{
		Type: protocol.MsgQueryResp,
		Delta: &protocol.QueryDelta{
			QueryID: sub.QueryID,
			Type:    deltaType,
			Key:     key,
			Value:   value,
		},
	}
	_ = sess.Writer.Write(frame, false)
}

// currentValue reads the present value for a key: the LWW record value, or
// the aggregated surviving OR values.
func currentValue(m *ManagedMap, key string) (json.RawMessage, bool) {
	if m.Type == crdt.MapTypeLWW {
		rec, ok := m.LWW.Get(key)
		if !ok || rec.IsTombstone() {
			return nil, false
		}
		return rec.Value, true
	}
	entries := m.OR.Get(key)
	if len(entries) == 0 {
		return nil, false
	}
	return aggregateEntries(entries), true
}

// aggregateEntries merges surviving OR entries into one object; later
// entries win per field, scalars collapse to the latest value. Entries
// arrive in map order, so they are sorted by timestamp first to keep the
// merge deterministic across calls and nodes.
func aggregateEntries(entries []crdt.TaggedEntry) json.RawMessage {
	ordered := make([]crdt.TaggedEntry, len(entries))
	copy(ordered, entries)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Timestamp == ordered[j].Timestamp {
			return ordered[i].Tag < ordered[j].Tag
		}
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	merged := make(map[string]any)
	var latest crdt.TaggedEntry
	objects := 0
	for _, e := range ordered {
		latest = e
		var doc map[string]any
		if err := json.Unmarshal(e.Value, &doc); err == nil {
			objects++
			for k, v := range doc {
				merged[k] = v
			}
		}
	}
	if objects == 0 {
		return latest.Value
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return latest.Value
	}
	return data
}

// projectFields narrows a value to the subscription's interested fields.
func projectFields(value json.RawMessage, fields []string) json.RawMessage {
	if len(fields) == 0 || value == nil {
		return value
	}
	var doc map[string]any
	if err := json.Unmarshal(value, &doc); err != nil {
		return value
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return value
	}
	return data
}
