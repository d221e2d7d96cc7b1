package crdt

import (
	"encoding/json"

	"github.com/topgundb/topgun/pkg/hlc"
)

// MapType distinguishes the two CRDT container kinds.
type MapType string

const (
	MapTypeLWW MapType = "lww"
	MapTypeOR  MapType = "or"
)

// Record is one LWW cell: a value, the HLC timestamp that wrote it, and an
// optional TTL. A nil Value is a tombstone.
type Record struct {
	Value     json.RawMessage `json:"value"`
	Timestamp hlc.Timestamp   `json:"timestamp"`
	TTLMs     int64           `json:"ttlMs,omitempty"`
}

// IsTombstone reports whether the record marks a deletion.
func (r Record) IsTombstone() bool {
	return len(r.Value) == 0 || string(r.Value) == "null"
}

// ExpiresAt returns the wall-clock millis at which the record's TTL elapses,
// or 0 if it has no TTL.
func (r Record) ExpiresAt() int64 {
	if r.TTLMs <= 0 {
		return 0
	}
	return r.Timestamp.Millis + r.TTLMs
}

// TaggedEntry is one OR-map entry: a value stamped with a unique tag.
// Removal tombstones the tag rather than the value.
type TaggedEntry struct {
	Value     json.RawMessage `json:"value"`
	Timestamp hlc.Timestamp   `json:"timestamp"`
	Tag       string          `json:"tag"`
	TTLMs     int64           `json:"ttlMs,omitempty"`
}

// ExpiresAt returns the wall-clock millis at which the entry's TTL elapses,
// or 0 if it has no TTL.
func (e TaggedEntry) ExpiresAt() int64 {
	if e.TTLMs <= 0 {
		return 0
	}
	return e.Timestamp.Millis + e.TTLMs
}
