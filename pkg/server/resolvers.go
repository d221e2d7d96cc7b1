package server

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/topgundb/topgun/pkg/crdt"
)

// ErrMergeRejected marks a conflict resolver veto. The op fails with
// "Rejected by conflict resolver" and neither replicates nor broadcasts.
var ErrMergeRejected = fmt.Errorf("Rejected by conflict resolver")

// ResolverFunc decides the survivor of an LWW conflict. Returning an error
// rejects the merge outright.
type ResolverFunc func(key string, current, incoming crdt.Record) (crdt.Record, error)

// builtinResolvers are the strategies clients may register per map.
var builtinResolvers = map[string]ResolverFunc{
	// last-writer-wins, the default merge; registering it is a no-op
	"lww": func(_ string, current, incoming crdt.Record) (crdt.Record, error) {
		if incoming.Timestamp.After(current.Timestamp) {
			return incoming, nil
		}
		return current, nil
	},
	// first write sticks; later writers are rejected
	"immutable": func(_ string, current, incoming crdt.Record) (crdt.Record, error) {
		if !current.IsTombstone() && !bytes.Equal(current.Value, incoming.Value) {
			return crdt.Record{}, ErrMergeRejected
		}
		return incoming, nil
	},
	// tombstones cannot be overwritten
	"no-resurrect": func(_ string, current, incoming crdt.Record) (crdt.Record, error) {
		if current.IsTombstone() && !current.Timestamp.IsZero() && !incoming.IsTombstone() {
			return crdt.Record{}, ErrMergeRejected
		}
		if incoming.Timestamp.After(current.Timestamp) {
			return incoming, nil
		}
		return current, nil
	},
}

// ResolverManager holds the per-map conflict resolver registrations.
type ResolverManager struct {
	mu        sync.RWMutex
	resolvers map[string]string // map name -> strategy name
}

// NewResolverManager creates an empty registry.
func NewResolverManager() *ResolverManager {
	return &ResolverManager{resolvers: make(map[string]string)}
}

// Register binds a named strategy to a map.
func (rm *ResolverManager) Register(mapName, strategy string) error {
	if _, ok := builtinResolvers[strategy]; !ok {
		return fmt.Errorf("unknown resolver strategy: %s", strategy)
	}
	rm.mu.Lock()
	rm.resolvers[mapName] = strategy
	rm.mu.Unlock()
	return nil
}

// Unregister removes a map's resolver.
func (rm *ResolverManager) Unregister(mapName string) {
	rm.mu.Lock()
	delete(rm.resolvers, mapName)
	rm.mu.Unlock()
}

// Resolve returns the resolver bound to a map, or nil for plain LWW merge.
func (rm *ResolverManager) Resolve(mapName string) ResolverFunc {
	rm.mu.RLock()
	strategy, ok := rm.resolvers[mapName]
	rm.mu.RUnlock()
	if !ok || strategy == "lww" {
		return nil
	}
	return builtinResolvers[strategy]
}

// List returns "map=strategy" lines for every registration.
func (rm *ResolverManager) List() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]string, 0, len(rm.resolvers))
	for m, s := range rm.resolvers {
		out = append(out, m+"="+s)
	}
	sort.Strings(out)
	return out
}
