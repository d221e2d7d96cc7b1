package server

import (
	"sync"

	"github.com/topgundb/topgun/pkg/protocol"
)

// JournalEntry is one recorded change with its monotonically increasing
// sequence number.
type JournalEntry struct {
	Seq   uint64         `json:"seq"`
	Event protocol.Event `json:"event"`
}

// Journal keeps a bounded per-map ring of applied changes and pushes
// JOURNAL_EVENT frames to subscribed sessions. Old entries fall off the
// ring; JOURNAL_READ reports what survives.
type Journal struct {
	conns    *ConnectionManager
	capacity int

	mu      sync.Mutex
	seq     uint64
	rings   map[string][]JournalEntry
	subs    map[string]map[string]struct{} // map name -> session ids
}

// NewJournal creates a journal with the given per-map ring capacity.
func NewJournal(conns *ConnectionManager, capacity int) *Journal {
	if capacity <= 0 {
		return nil
	}
	return &Journal{
		conns:    conns,
		capacity: capacity,
		rings:    make(map[string][]JournalEntry),
		subs:     make(map[string]map[string]struct{}),
	}
}

// Append records one applied event and pushes it to subscribers.
func (j *Journal) Append(mapName string, ev *protocol.Event) {
	j.mu.Lock()
	j.seq++
	entry := JournalEntry{Seq: j.seq, Event: *ev}
	ring := append(j.rings[mapName], entry)
	if len(ring) > j.capacity {
		ring = ring[len(ring)-j.capacity:]
	}
	j.rings[mapName] = ring

	ids := make([]string, 0, len(j.subs[mapName]))
	for id := range j.subs[mapName] {
		ids = append(ids, id)
	}
	j.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	frame := &protocol.Frame{
		Type:    protocol.MsgJournalEvent,
		MapName: mapName,
		FromSeq: entry.Seq,
		Event:   ev,
	}
	data, err := frame.Encode()
	if err != nil {
		return
	}
	for _, id := range ids {
		if sess, ok := j.conns.Get(id); ok {
			_ = sess.Writer.WriteRaw(data, false)
		}
	}
}

// Subscribe registers a session for a map's journal stream.
func (j *Journal) Subscribe(mapName, sessionID string) {
	j.mu.Lock()
	subs, ok := j.subs[mapName]
	if !ok {
		subs = make(map[string]struct{})
		j.subs[mapName] = subs
	}
	subs[sessionID] = struct{}{}
	j.mu.Unlock()
}

// Unsubscribe removes one journal subscription.
func (j *Journal) Unsubscribe(mapName, sessionID string) {
	j.mu.Lock()
	if subs, ok := j.subs[mapName]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(j.subs, mapName)
		}
	}
	j.mu.Unlock()
}

// UnsubscribeAll drops a closing session from every journal stream.
func (j *Journal) UnsubscribeAll(sessionID string) {
	j.mu.Lock()
	for name, subs := range j.subs {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(j.subs, name)
		}
	}
	j.mu.Unlock()
}

// Read returns up to limit entries with Seq >= fromSeq for a map.
func (j *Journal) Read(mapName string, fromSeq uint64, limit int) []JournalEntry {
	if limit <= 0 || limit > j.capacity {
		limit = j.capacity
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []JournalEntry
	for _, e := range j.rings[mapName] {
		if e.Seq >= fromSeq {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
