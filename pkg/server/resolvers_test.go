package server

import (
	"encoding/json"
	"testing"

	"github.com/topgundb/topgun/pkg/crdt"
	"github.com/topgundb/topgun/pkg/hlc"
)

func resolverRecord(value string, millis int64) crdt.Record {
	var v json.RawMessage
	if value != "" {
		v = json.RawMessage(value)
	}
	return crdt.Record{Value: v, Timestamp: hlc.Timestamp{Millis: millis, NodeID: "n1"}}
}

// TestResolverRegistration tests strategy binding and lookup.
func TestResolverRegistration(t *testing.T) {
	rm := NewResolverManager()

	if err := rm.Register("users", "immutable"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := rm.Register("users", "bogus"); err == nil {
		t.Error("unknown strategy must be rejected")
	}
	if rm.Resolve("users") == nil {
		t.Error("bound resolver not returned")
	}
	if rm.Resolve("orders") != nil {
		t.Error("unbound map must fall back to plain LWW merge")
	}

	list := rm.List()
	if len(list) != 1 || list[0] != "users=immutable" {
		t.Errorf("List() = %v, want [users=immutable]", list)
	}

	rm.Unregister("users")
	if rm.Resolve("users") != nil {
		t.Error("unregistered resolver still bound")
	}
}

// TestResolverLWWIsNoop tests that registering the default strategy leaves
// the merge path untouched.
func TestResolverLWWIsNoop(t *testing.T) {
	rm := NewResolverManager()
	if err := rm.Register("users", "lww"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if rm.Resolve("users") != nil {
		t.Error("lww strategy must resolve to nil, the plain merge")
	}
}

// TestImmutableResolver tests the first-write-sticks strategy.
func TestImmutableResolver(t *testing.T) {
	fn := builtinResolvers["immutable"]

	// First write onto an empty cell passes.
	if _, err := fn("k", crdt.Record{}, resolverRecord(`{"v":1}`, 100)); err != nil {
		t.Errorf("first write rejected: %v", err)
	}
	// Same value replayed passes.
	if _, err := fn("k", resolverRecord(`{"v":1}`, 100), resolverRecord(`{"v":1}`, 200)); err != nil {
		t.Errorf("idempotent replay rejected: %v", err)
	}
	// A different value is vetoed.
	if _, err := fn("k", resolverRecord(`{"v":1}`, 100), resolverRecord(`{"v":2}`, 200)); err != ErrMergeRejected {
		t.Errorf("overwrite error = %v, want ErrMergeRejected", err)
	}
}

// TestNoResurrectResolver tests that tombstones are final.
func TestNoResurrectResolver(t *testing.T) {
	fn := builtinResolvers["no-resurrect"]
	tombstone := resolverRecord("", 100)

	if _, err := fn("k", tombstone, resolverRecord(`{"v":1}`, 200)); err != ErrMergeRejected {
		t.Errorf("resurrection error = %v, want ErrMergeRejected", err)
	}
	// Deleting a deleted key is fine.
	if _, err := fn("k", tombstone, resolverRecord("", 200)); err != nil {
		t.Errorf("tombstone over tombstone rejected: %v", err)
	}
	// A key never written yet can be set.
	if _, err := fn("k", crdt.Record{}, resolverRecord(`{"v":1}`, 100)); err != nil {
		t.Errorf("fresh write rejected: %v", err)
	}
	// Ordinary newer-wins behavior survives.
	survivor, err := fn("k", resolverRecord(`{"v":1}`, 100), resolverRecord(`{"v":2}`, 200))
	if err != nil {
		t.Fatalf("newer write rejected: %v", err)
	}
	if string(survivor.Value) != `{"v":2}` {
		t.Errorf("survivor = %s, want the newer value", survivor.Value)
	}
}
