/*
Package hlc implements the hybrid logical clock used to order writes.

Every mutation in the system carries an hlc.Timestamp. Because wall clocks
drift between nodes, a plain time.Time cannot provide a total order across
the cluster; the hybrid clock combines physical time with a logical counter
so that causally related events always order correctly and concurrent
events order deterministically.

# Architecture

A Timestamp has three components:

  - Millis:  physical wall time in milliseconds
  - Counter: logical counter, bumped when Millis alone cannot advance
  - NodeID:  the originating node, used as the final tiebreak

Comparison is lexicographic over (Millis, Counter, NodeID), which yields a
total order: two timestamps are equal only if produced by the same node at
the same logical instant.

The Clock itself is a small mutex-guarded state machine:

  - Now() advances the clock for a local event
  - Update(remote) merges a peer timestamp on receive, keeping the clock
    ahead of everything it has observed

# Usage

	clock := hlc.NewClock("node-1")
	ts := clock.Now()

	// On receiving a replicated record:
	clock.Update(record.Timestamp)

Timestamps serialize to a sortable string form via String and round-trip
through Parse, so they can ride inside JSON frames and storage keys.

# Integration Points

  - pkg/crdt: last-writer-wins conflict resolution compares Timestamps
  - pkg/server: the coordinator stamps every accepted write
  - pkg/storage: persisted records carry their merge timestamp
*/
package hlc
