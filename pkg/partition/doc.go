/*
Package partition maps keys to partitions and partitions to owner nodes.

Writes are authoritative on exactly one node at a time. The partition table
answers two questions for every key: which partition does it hash into, and
which member currently owns that partition (plus which members back it up).

# Architecture

Key placement is FNV-hash modulo the fixed partition count. Partition
ownership is computed deterministically over the sorted member list: every
node that holds the same membership view derives the same table with no
coordination round. When membership changes, ownership moves with the
recomputed table and the affected partitions are re-synchronized by their
new owners.

Backups are the next members in sorted order after the owner, giving each
partition a replica set of configurable size.

# Integration Points

  - pkg/server: the write pipeline forwards mutations to the owner and
    replicates to backups
  - pkg/cluster: membership changes trigger table recomputation
*/
package partition
