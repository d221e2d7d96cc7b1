package crdt

import (
	"encoding/json"
	"testing"

	"github.com/topgundb/topgun/pkg/hlc"
)

func entry(value, tag string, millis int64) TaggedEntry {
	return TaggedEntry{
		Value:     json.RawMessage(value),
		Tag:       tag,
		Timestamp: hlc.Timestamp{Millis: millis, NodeID: "n1"},
	}
}

// TestORAddRemoveCommute tests that an add and the remove of its tag
// converge regardless of delivery order.
func TestORAddRemoveCommute(t *testing.T) {
	e := entry(`{"v":1}`, "tag-1", 100)
	at := hlc.Timestamp{Millis: 200, NodeID: "n1"}

	a := NewORMap()
	a.Add("k", e)
	a.Remove("k", "tag-1", at)

	b := NewORMap()
	b.Remove("k", "tag-1", at)
	if b.Add("k", e) {
		t.Error("add of a tombstoned tag must be a no-op")
	}

	if len(a.Get("k")) != 0 || len(b.Get("k")) != 0 {
		t.Error("both replicas should have removed the entry")
	}
	if a.MerkleRoot() != b.MerkleRoot() {
		t.Error("replicas diverged after reordered add/remove")
	}
}

// TestORConcurrentReAdd tests observed-remove semantics: a concurrent
// re-add under a fresh tag survives the removal of the old tag.
func TestORConcurrentReAdd(t *testing.T) {
	m := NewORMap()
	m.Add("k", entry(`{"v":1}`, "tag-1", 100))
	m.Remove("k", "tag-1", hlc.Timestamp{Millis: 200, NodeID: "n1"})
	m.Add("k", entry(`{"v":2}`, "tag-2", 150))

	entries := m.Get("k")
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want the fresh-tag survivor", len(entries))
	}
	if entries[0].Tag != "tag-2" {
		t.Errorf("survivor tag = %q, want tag-2", entries[0].Tag)
	}
}

// TestORAddIdempotent tests that replaying an add does not duplicate the
// entry.
func TestORAddIdempotent(t *testing.T) {
	m := NewORMap()
	e := entry(`{"v":1}`, "tag-1", 100)
	if !m.Add("k", e) {
		t.Fatal("first add should apply")
	}
	if m.Add("k", e) {
		t.Error("replayed add must not apply")
	}
	if len(m.Get("k")) != 1 {
		t.Errorf("got %d entries, want 1", len(m.Get("k")))
	}
}

// TestORRemoveIdempotent tests that a replayed remove reports no change.
func TestORRemoveIdempotent(t *testing.T) {
	m := NewORMap()
	m.Add("k", entry(`{"v":1}`, "tag-1", 100))
	at := hlc.Timestamp{Millis: 200, NodeID: "n1"}
	if !m.Remove("k", "tag-1", at) {
		t.Fatal("first remove should apply")
	}
	if m.Remove("k", "tag-1", at) {
		t.Error("replayed remove must not apply")
	}
}

// TestORKeyPresence tests that a key disappears only when its last entry is
// removed.
func TestORKeyPresence(t *testing.T) {
	m := NewORMap()
	m.Add("k", entry(`{"v":1}`, "tag-1", 100))
	m.Add("k", entry(`{"v":2}`, "tag-2", 100))

	m.Remove("k", "tag-1", hlc.Timestamp{Millis: 200, NodeID: "n1"})
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, key should survive with one entry left", m.Len())
	}
	m.Remove("k", "tag-2", hlc.Timestamp{Millis: 201, NodeID: "n1"})
	if m.Len() != 0 {
		t.Errorf("Len() = %d, key should be gone", m.Len())
	}
}

// TestORExpiredEntries tests TTL expiry detection on tagged entries.
func TestORExpiredEntries(t *testing.T) {
	m := NewORMap()
	old := entry(`{"v":1}`, "tag-1", 100)
	old.TTLMs = 50
	m.Add("k", old)
	m.Add("k", entry(`{"v":2}`, "tag-2", 100))

	expired := m.ExpiredEntries(1000)
	if len(expired) != 1 || len(expired["k"]) != 1 {
		t.Fatalf("ExpiredEntries = %v, want one expired entry under k", expired)
	}
	if expired["k"][0].Tag != "tag-1" {
		t.Errorf("expired tag = %q, want tag-1", expired["k"][0].Tag)
	}
}

// TestORPruneTombstones tests the tombstone horizon.
func TestORPruneTombstones(t *testing.T) {
	m := NewORMap()
	m.Add("k", entry(`{"v":1}`, "tag-1", 100))
	m.Add("k", entry(`{"v":2}`, "tag-2", 100))
	m.Remove("k", "tag-1", hlc.Timestamp{Millis: 200, NodeID: "n1"})
	m.Remove("k", "tag-2", hlc.Timestamp{Millis: 900, NodeID: "n1"})

	if n := m.PruneTombstones(hlc.Timestamp{Millis: 500}); n != 1 {
		t.Fatalf("pruned %d tombstones, want 1", n)
	}
	tombs := m.Tombstones()
	if _, ok := tombs["tag-2"]; !ok {
		t.Error("recent tombstone must survive the horizon")
	}
	if _, ok := tombs["tag-1"]; ok {
		t.Error("old tombstone should be gone")
	}
}

// TestORSetTombstonesHydration tests that a hydrated tombstone set blocks
// re-adds the same way a live one does.
func TestORSetTombstonesHydration(t *testing.T) {
	m := NewORMap()
	m.SetTombstones(map[string]hlc.Timestamp{"tag-1": {Millis: 200, NodeID: "n1"}})
	if m.Add("k", entry(`{"v":1}`, "tag-1", 100)) {
		t.Error("add of a hydrated tombstoned tag must be a no-op")
	}
}

// TestORRemoveWithoutKey tests that a tag-only remove still drops the
// entry: repair paths often know the tag but not the key it lives under.
func TestORRemoveWithoutKey(t *testing.T) {
	m := NewORMap()
	m.Add("k", entry(`{"v":1}`, "tag-1", 100))

	if !m.Remove("", "tag-1", hlc.Timestamp{Millis: 200, NodeID: "n1"}) {
		t.Fatal("keyless remove of a live tag must apply")
	}
	if got := m.Get("k"); len(got) != 0 {
		t.Errorf("Get(k) returned %d entries after its only tag was tombstoned", len(got))
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

// TestORSetTombstonesPurgesEntries tests the hydration ordering hole:
// entries loaded before the tombstone set must not survive it.
func TestORSetTombstonesPurgesEntries(t *testing.T) {
	m := NewORMap()
	m.Add("ABC", entry(`{"v":1}`, "tag-1", 100))
	m.Add("ABC", entry(`{"v":2}`, "tag-2", 100))

	m.SetTombstones(map[string]hlc.Timestamp{"tag-1": {Millis: 200, NodeID: "n1"}})

	entries := m.Get("ABC")
	if len(entries) != 1 || entries[0].Tag != "tag-2" {
		t.Fatalf("entries after hydration = %+v, want only tag-2", entries)
	}

	// A hydrated tombstone covering the key's only tag removes the key.
	m.SetTombstones(map[string]hlc.Timestamp{
		"tag-1": {Millis: 200, NodeID: "n1"},
		"tag-2": {Millis: 200, NodeID: "n1"},
	})
	if m.Len() != 0 {
		t.Errorf("Len() = %d after all tags tombstoned, want 0", m.Len())
	}
}
