package crdt

import (
	"sync"

	"github.com/topgundb/topgun/pkg/hlc"
)

// LWWMap is a last-writer-wins register map. Each key holds exactly one
// record; on merge the record with the greater HLC timestamp survives.
type LWWMap struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewLWWMap creates an empty LWW map.
func NewLWWMap() *LWWMap {
	return &LWWMap{records: make(map[string]Record)}
}

// Type returns MapTypeLWW.
func (m *LWWMap) Type() MapType {
	return MapTypeLWW
}

// Get returns the record for key and whether it exists. Tombstoned records
// are returned too; callers that want live data check IsTombstone.
func (m *LWWMap) Get(key string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok
}

// Merge folds an incoming record into the map and returns the survivor plus
// whether the incoming record won. The survivor is the record with the
// greater timestamp; equal timestamps keep the stored record, which makes
// the merge idempotent.
func (m *LWWMap) Merge(key string, incoming Record) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[key]
	if ok && !current.Timestamp.Before(incoming.Timestamp) {
		return current, false
	}
	m.records[key] = incoming
	return incoming, true
}

// Set stores a record unconditionally. Used when hydrating from storage.
func (m *LWWMap) Set(key string, rec Record) {
	m.mu.Lock()
	m.records[key] = rec
	m.mu.Unlock()
}

// Keys returns all keys, tombstoned or not.
func (m *LWWMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	return keys
}

// Each calls fn for every key/record pair. fn must not mutate the map.
func (m *LWWMap) Each(fn func(key string, rec Record) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, rec := range m.records {
		if !fn(k, rec) {
			return
		}
	}
}

// Len returns the number of live (non-tombstone) keys.
func (m *LWWMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if !rec.IsTombstone() {
			n++
		}
	}
	return n
}

// ExpiredKeys returns the keys of live records whose TTL elapsed before
// nowMillis, with the instant each one expired.
func (m *LWWMap) ExpiredKeys(nowMillis int64) map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expired := make(map[string]int64)
	for k, rec := range m.records {
		if rec.IsTombstone() {
			continue
		}
		if at := rec.ExpiresAt(); at > 0 && at < nowMillis {
			expired[k] = at
		}
	}
	return expired
}

// PruneTombstones drops tombstone records older than before and returns the
// pruned keys.
func (m *LWWMap) PruneTombstones(before hlc.Timestamp) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned []string
	for k, rec := range m.records {
		if rec.IsTombstone() && rec.Timestamp.Before(before) {
			delete(m.records, k)
			pruned = append(pruned, k)
		}
	}
	return pruned
}
