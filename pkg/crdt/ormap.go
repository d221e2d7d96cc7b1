package crdt

import (
	"sync"

	"github.com/topgundb/topgun/pkg/hlc"
)

// ORMap is an observed-remove multi-value map. Each key holds a set of
// tagged entries; removing an entry adds its tag to the tombstone set, so a
// concurrent re-add with a fresh tag survives.
type ORMap struct {
	mu         sync.RWMutex
	entries    map[string]map[string]TaggedEntry // key -> tag -> entry
	tombstones map[string]hlc.Timestamp          // tag -> removal timestamp
}

// NewORMap creates an empty OR map.
func NewORMap() *ORMap {
	return &ORMap{
		entries:    make(map[string]map[string]TaggedEntry),
		tombstones: make(map[string]hlc.Timestamp),
	}
}

// Type returns MapTypeOR.
func (m *ORMap) Type() MapType {
	return MapTypeOR
}

// Add merges a tagged entry for key. Adding a tombstoned tag is a no-op, so
// add/remove pairs commute. Returns whether the entry was applied.
func (m *ORMap) Add(key string, entry TaggedEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, removed := m.tombstones[entry.Tag]; removed {
		return false
	}
	tags, ok := m.entries[key]
	if !ok {
		tags = make(map[string]TaggedEntry)
		m.entries[key] = tags
	}
	if _, exists := tags[entry.Tag]; exists {
		return false
	}
	tags[entry.Tag] = entry
	return true
}

// Remove tombstones the given tag at the given timestamp and drops its entry
// wherever it lives; key is advisory, so repair paths that only know the tag
// converge the same way. Returns whether the tombstone was new.
func (m *ORMap) Remove(key, tag string, at hlc.Timestamp) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, removed := m.tombstones[tag]; removed {
		return false
	}
	m.tombstones[tag] = at
	if tags, ok := m.entries[key]; ok {
		if _, hit := tags[tag]; hit {
			delete(tags, tag)
			if len(tags) == 0 {
				delete(m.entries, key)
			}
			return true
		}
	}
	m.purgeTagLocked(tag)
	return true
}

// purgeTagLocked drops the entry carrying a tombstoned tag, whatever key it
// lives under. Callers hold mu.
func (m *ORMap) purgeTagLocked(tag string) {
	for key, tags := range m.entries {
		if _, ok := tags[tag]; !ok {
			continue
		}
		delete(tags, tag)
		if len(tags) == 0 {
			delete(m.entries, key)
		}
		return
	}
}

// Get returns the surviving entries for key. A key is present iff it has at
// least one non-tombstoned entry.
func (m *ORMap) Get(key string) []TaggedEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tags, ok := m.entries[key]
	if !ok {
		return nil
	}
	out := make([]TaggedEntry, 0, len(tags))
	for _, e := range tags {
		out = append(out, e)
	}
	return out
}

// Keys returns all keys with at least one surviving entry.
func (m *ORMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// Each calls fn for every key and its surviving entries.
func (m *ORMap) Each(fn func(key string, entries []TaggedEntry) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, tags := range m.entries {
		entries := make([]TaggedEntry, 0, len(tags))
		for _, e := range tags {
			entries = append(entries, e)
		}
		if !fn(k, entries) {
			return
		}
	}
}

// Len returns the number of present keys.
func (m *ORMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Tombstones returns a copy of the tombstone tag set.
func (m *ORMap) Tombstones() map[string]hlc.Timestamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]hlc.Timestamp, len(m.tombstones))
	for tag, ts := range m.tombstones {
		out[tag] = ts
	}
	return out
}

// SetTombstones replaces the tombstone set and purges any already-loaded
// entry whose tag it covers. Used when hydrating from storage, where entries
// may load before the tombstone set does.
func (m *ORMap) SetTombstones(tombs map[string]hlc.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tombstones = make(map[string]hlc.Timestamp, len(tombs))
	for tag, ts := range tombs {
		m.tombstones[tag] = ts
		m.purgeTagLocked(tag)
	}
}

// ExpiredEntries returns key -> expired tags for live entries whose TTL
// elapsed before nowMillis.
func (m *ORMap) ExpiredEntries(nowMillis int64) map[string][]TaggedEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expired := make(map[string][]TaggedEntry)
	for k, tags := range m.entries {
		for _, e := range tags {
			if at := e.ExpiresAt(); at > 0 && at < nowMillis {
				expired[k] = append(expired[k], e)
			}
		}
	}
	return expired
}

// PruneTombstones drops tombstone tags recorded before the given timestamp
// and returns how many were pruned.
func (m *ORMap) PruneTombstones(before hlc.Timestamp) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for tag, ts := range m.tombstones {
		if ts.Before(before) {
			delete(m.tombstones, tag)
			n++
		}
	}
	return n
}
