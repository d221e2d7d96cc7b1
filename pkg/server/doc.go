/*
Package server implements the per-node coordinator.

The Coordinator is the node's brain: it accepts websocket sessions, routes
their frames, runs the write pipeline against the local CRDT maps, forwards
writes it does not own to the owning peer, broadcasts resulting events to
live subscriptions, and participates in cluster-wide garbage collection.
Everything else in the repository exists to serve one of these paths.

# Architecture

Inbound flow:

	websocket → session read loop → router → handler
	                                   │
	            auth, rate limit, permission checks

Write flow:

	handler → pipeline → partition table
	            │             │
	            │        local: merge into CRDT map, journal, persist
	            │        remote: forward to owner, await ack
	            │
	       write-concern tracker resolves pending acks as the write
	       reaches APPLIED / REPLICATED / PERSISTED

Event flow:

	merge → query registry (per-subscription delta classification)
	      → broadcaster (role-bucketed fan-out, protected-field filtering)

# Sessions and Admission

Each connection gets a Session with a coalescing writer. The router demands
an AUTH frame first; a token-bucket limiter bounds concurrent
unauthenticated sessions, and the read-loop exit settles the limiter slot
for sessions that never authenticate. Heartbeats evict silent sessions.

Client OP_BATCH frames pass through an admission regulator: a weighted
semaphore tracks pending operations, and past the high-water mark batches
drain inline on the handler goroutine, so a saturated node stops accepting
faster than it applies.

# Subscriptions and Queries

One-shot queries scatter to partition owners and merge the sorted partials.
A QUERY_SUB additionally registers a live subscription seeded with the full
match set, so later changes classify as ADDED, UPDATED, or REMOVED relative
to what the client has observed. Deltas and broadcast events respect the
access policy: protected fields are stripped per role bucket before fan-out.

# Coordination Primitives

Beyond maps, the coordinator serves:

  - Locks: fenced, TTL-bounded exclusive locks with FIFO waiters; grant
    tokens fence against stale releases and expirations
  - Counters: replicated PN-counters with delta propagation
  - Topics: fire-and-forget pub/sub channels outside the map store
  - Search: substring scan across a map's documents

# Garbage Collection

Tombstones cannot be dropped unilaterally. GC runs as a consensus round:
the initiating node proposes a cutoff, peers vote on what they can safely
release, and only a unanimous round prunes. The journal records applied
operations so a rejoining node can catch up without a full resync.

# HTTP Facade

A stateless HTTP mux fronts the coordinator for non-websocket clients:
REST-style map reads and writes, health and metrics endpoints, and an MCP
(Model Context Protocol) endpoint exposing query and mutate tools.

# Integration Points

  - pkg/crdt, pkg/storage: map state and its durability
  - pkg/partition, pkg/cluster: ownership and peer messaging
  - pkg/query: predicate evaluation for queries and subscriptions
  - pkg/auth: session principals for the access policy
  - pkg/transport, pkg/protocol: framing and coalesced delivery
*/
package server
