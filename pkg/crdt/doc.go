/*
Package crdt implements the replicated map types the coordinator serves.

Two conflict-free map flavors cover the system's write semantics: a
last-writer-wins map for plain documents and an observed-remove multi-value
map for entries that accumulate under a key. Merges are commutative,
associative, and idempotent, so replicas converge regardless of delivery
order or duplication.

# Architecture

LWW map:

  - Each key holds one Record{Value, Timestamp}
  - Merge keeps the record with the greater hybrid-logical timestamp
  - A Record with a nil Value is a delete marker and competes in the same
    timestamp race as any other write

OR map:

  - Each add carries a unique tag; a key's value is the set of tagged
    entries currently alive under it
  - Remove tombstones tags rather than keys, so a concurrent add with a
    fresh tag survives a remove it never observed
  - The tombstone set is part of the replicated state: an entry whose tag
    is tombstoned is dead everywhere, whatever key it was loaded under

Merkle digests:

  - Each map maintains a hash tree over its key space
  - Anti-entropy compares root hashes first and walks down only the
    subtrees that differ, keeping repair traffic proportional to the
    divergence rather than the map size

# Convergence

The merge rules guarantee that two replicas that have seen the same set of
operations hold identical state. Delivery may reorder, duplicate, or delay
operations freely; only loss requires repair, which the digest exchange in
pkg/server detects.

# Integration Points

  - pkg/hlc: timestamps drive all LWW decisions
  - pkg/storage: maps hydrate from and flush to per-map buckets
  - pkg/server: the coordinator owns one managed map per configured name
*/
package crdt
