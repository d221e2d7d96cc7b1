/*
Package storage persists map records between restarts.

The coordinator's maps live in memory; this package is the write-behind
durability layer beneath them. A single BoltDB file holds one bucket per
map, and records are stored as JSON so the file stays inspectable with
standard tooling.

# Architecture

The Store interface covers the four operations the coordinator needs:

  - SaveRecord / DeleteRecord for individual keys
  - LoadMap to hydrate a map at startup, streaming key/value pairs
    through a callback
  - Close to flush and release the file

OR-map tombstone tag sets ride under the reserved __tombstones__ key inside
the owning map's bucket, so a map and its tombstones hydrate from one
bucket scan. Bucket iteration is byte-ordered, which means entries can load
before the tombstone set; hydration therefore applies tombstones last and
purges any entry whose tag they cover.

# Durability Model

Writes reach storage only after the in-memory merge succeeds, and the
PERSISTED write concern acknowledges only after the storage write returns.
Losing the file loses history but not correctness: a restarted node
re-synchronizes from its peers through the digest exchange.

# Integration Points

  - pkg/server: the coordinator owns the store and routes every accepted
    mutation through it
  - pkg/crdt: hydrated records and tombstones rebuild the map state
*/
package storage
