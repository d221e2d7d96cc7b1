package server

import (
	"sync"
)

// pnCounter is a positive-negative counter: per-node increment and
// decrement totals that merge by taking the max per node, so replayed
// syncs are idempotent.
type pnCounter struct {
	incs map[string]int64
	decs map[string]int64
}

func (c *pnCounter) value() int64 {
	var v int64
	for _, n := range c.incs {
		v += n
	}
	for _, n := range c.decs {
		v -= n
	}
	return v
}

// CounterManager owns the named replicated counters and their subscribers.
type CounterManager struct {
	localNode string

	mu       sync.Mutex
	counters map[string]*pnCounter
	subs     map[string]map[string]struct{} // counter -> session ids
}

// NewCounterManager creates an empty counter table.
func NewCounterManager(localNode string) *CounterManager {
	return &CounterManager{
		localNode: localNode,
		counters:  make(map[string]*pnCounter),
		subs:      make(map[string]map[string]struct{}),
	}
}

func (cm *CounterManager) get(name string) *pnCounter {
	c, ok := cm.counters[name]
	if !ok {
		c = &pnCounter{incs: make(map[string]int64), decs: make(map[string]int64)}
		cm.counters[name] = c
	}
	return c
}

// Apply adds a local delta and returns the new value.
func (cm *CounterManager) Apply(name string, delta int64) int64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	c := cm.get(name)
	if delta >= 0 {
		c.incs[cm.localNode] += delta
	} else {
		c.decs[cm.localNode] += -delta
	}
	return c.value()
}

// MergeState folds a peer's per-node totals into the counter and returns
// the merged value. Per-node totals only grow, so max-merge converges.
func (cm *CounterManager) MergeState(name string, incs, decs map[string]int64) int64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	c := cm.get(name)
	for node, n := range incs {
		if n > c.incs[node] {
			c.incs[node] = n
		}
	}
	for node, n := range decs {
		if n > c.decs[node] {
			c.decs[node] = n
		}
	}
	return c.value()
}

// Value returns the current counter value.
func (cm *CounterManager) Value(name string) int64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.get(name).value()
}

// State snapshots the per-node totals for a counter sync.
func (cm *CounterManager) State(name string) (incs, decs map[string]int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	c := cm.get(name)
	incs = make(map[string]int64, len(c.incs))
	decs = make(map[string]int64, len(c.decs))
	for k, v := range c.incs {
		incs[k] = v
	}
	for k, v := range c.decs {
		decs[k] = v
	}
	return incs, decs
}

// Subscribe registers a session for counter change pushes.
func (cm *CounterManager) Subscribe(name, sessionID string) {
	cm.mu.Lock()
	subs, ok := cm.subs[name]
	if !ok {
		subs = make(map[string]struct{})
		cm.subs[name] = subs
	}
	subs[sessionID] = struct{}{}
	cm.mu.Unlock()
}

// UnsubscribeAll drops a closing session from every counter.
func (cm *CounterManager) UnsubscribeAll(sessionID string) {
	cm.mu.Lock()
	for name, subs := range cm.subs {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(cm.subs, name)
		}
	}
	cm.mu.Unlock()
}

// Subscribers returns the session ids subscribed to a counter.
func (cm *CounterManager) Subscribers(name string) []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]string, 0, len(cm.subs[name]))
	for id := range cm.subs[name] {
		out = append(out, id)
	}
	return out
}
