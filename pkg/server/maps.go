package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/topgundb/topgun/pkg/crdt"
	"github.com/topgundb/topgun/pkg/hlc"
	"github.com/topgundb/topgun/pkg/log"
	"github.com/topgundb/topgun/pkg/metrics"
	"github.com/topgundb/topgun/pkg/storage"
)

// ManagedMap is one CRDT container plus its hydration state. applyMu
// serializes applies for the map, which gives per-key write ordering on the
// owning node; reads go straight to the CRDT's own lock.
type ManagedMap struct {
	Name string
	Type crdt.MapType
	LWW  *crdt.LWWMap
	OR   *crdt.ORMap

	ready   chan struct{}
	loadErr error

	applyMu sync.Mutex
}

// Ready blocks until hydration from storage finished and returns its error.
func (m *ManagedMap) Ready() error {
	<-m.ready
	return m.loadErr
}

// Lock serializes an apply against this map.
func (m *ManagedMap) Lock() { m.applyMu.Lock() }

// Unlock releases the apply lock.
func (m *ManagedMap) Unlock() { m.applyMu.Unlock() }

// Len returns the live key count.
func (m *ManagedMap) Len() int {
	if m.Type == crdt.MapTypeLWW {
		return m.LWW.Len()
	}
	return m.OR.Len()
}

// MerkleRoot returns the container's anti-entropy root hash.
func (m *ManagedMap) MerkleRoot() string {
	if m.Type == crdt.MapTypeLWW {
		return m.LWW.MerkleRoot()
	}
	return m.OR.MerkleRoot()
}

// StorageManager owns the in-process map registry. Maps are created lazily
// on first reference with a type hint and hydrated from storage in the
// background; readers await Ready before the first external read.
type StorageManager struct {
	store storage.Store

	mu   sync.RWMutex
	maps map[string]*ManagedMap
}

// NewStorageManager creates the registry over the given driver.
func NewStorageManager(store storage.Store) *StorageManager {
	return &StorageManager{
		store: store,
		maps:  make(map[string]*ManagedMap),
	}
}

// GetOrCreate resolves a map by name, creating and hydrating it on first
// reference. A type hint contradicting the existing map is a protocol
// error and fails fatally for the op.
func (sm *StorageManager) GetOrCreate(name string, hint crdt.MapType) (*ManagedMap, error) {
	if hint == "" {
		hint = crdt.MapTypeLWW
	}
	sm.mu.Lock()
	m, ok := sm.maps[name]
	if ok {
		sm.mu.Unlock()
		if m.Type != hint {
			return nil, fmt.Errorf("map %s is %s, op requires %s", name, m.Type, hint)
		}
		return m, nil
	}
	m = &ManagedMap{
		Name:  name,
		Type:  hint,
		ready: make(chan struct{}),
	}
	if hint == crdt.MapTypeLWW {
		m.LWW = crdt.NewLWWMap()
	} else {
		m.OR = crdt.NewORMap()
	}
	sm.maps[name] = m
	sm.mu.Unlock()

	go sm.hydrate(m)
	return m, nil
}

// Get returns an existing map without creating one.
func (sm *StorageManager) Get(name string) (*ManagedMap, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	m, ok := sm.maps[name]
	return m, ok
}

// Each calls fn for every registered map.
func (sm *StorageManager) Each(fn func(*ManagedMap)) {
	sm.mu.RLock()
	snapshot := make([]*ManagedMap, 0, len(sm.maps))
	for _, m := range sm.maps {
		snapshot = append(snapshot, m)
	}
	sm.mu.RUnlock()
	for _, m := range snapshot {
		fn(m)
	}
}

// hydrate loads the persisted state into the container and closes ready.
func (sm *StorageManager) hydrate(m *ManagedMap) {
	defer close(m.ready)

	err := sm.store.LoadMap(m.Name, func(key string, data []byte) error {
		if key == storage.TombstonesKey {
			if m.Type == crdt.MapTypeOR {
				var tombs map[string]hlc.Timestamp
				if err := json.Unmarshal(data, &tombs); err != nil {
					return fmt.Errorf("corrupt tombstone set: %w", err)
				}
				m.OR.SetTombstones(tombs)
			}
			return nil
		}
		if m.Type == crdt.MapTypeLWW {
			var rec crdt.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("corrupt record %s/%s: %w", m.Name, key, err)
			}
			m.LWW.Set(key, rec)
			return nil
		}
		var entries []crdt.TaggedEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("corrupt entries %s/%s: %w", m.Name, key, err)
		}
		for _, e := range entries {
			m.OR.Add(key, e)
		}
		return nil
	})
	if err != nil {
		m.loadErr = err
		logger := log.WithMap(m.Name)
		logger.Error().Err(err).Msg("map hydration failed")
		return
	}
	metrics.MapSize.WithLabelValues(m.Name).Set(float64(m.Len()))
}

// PersistRecord writes the current state of one key through the driver.
// Storage failures are logged, never fatal to the request; callers needing
// the PERSISTED concern use the returned error to gate the final level.
func (sm *StorageManager) PersistRecord(m *ManagedMap, key string) error {
	var data []byte
	var err error
	if m.Type == crdt.MapTypeLWW {
		rec, ok := m.LWW.Get(key)
		if !ok {
			return nil
		}
		data, err = json.Marshal(rec)
	} else {
		data, err = json.Marshal(m.OR.Get(key))
	}
	if err != nil {
		return err
	}
	if err := sm.store.PutRecord(m.Name, key, data); err != nil {
		logger := log.WithMap(m.Name)
		logger.Error().Err(err).Str("key", key).Msg("persist failed")
		return err
	}
	return nil
}

// PersistTombstones writes the OR tombstone set for a map.
func (sm *StorageManager) PersistTombstones(m *ManagedMap) error {
	if m.Type != crdt.MapTypeOR {
		return nil
	}
	data, err := json.Marshal(m.OR.Tombstones())
	if err != nil {
		return err
	}
	return sm.store.PutTombstones(m.Name, data)
}

// Store exposes the underlying driver for the GC prune path.
func (sm *StorageManager) Store() storage.Store {
	return sm.store
}
