/*
Package protocol defines the wire surface shared by clients and peers.

Every websocket message is a single JSON Frame discriminated by its Type
field. The same frame schema carries client traffic, peer replication, and
server pushes, so the router in pkg/server can treat all inbound messages
uniformly.

# Architecture

The package has three layers:

  - Message types: the MessageType constants and the flat Frame struct
    whose optional fields cover every message shape
  - Write concerns: the acknowledgement ladder a client can request for a
    mutation
  - Batch envelope: a length-prefixed binary framing that packs many JSON
    messages into one websocket write

# Write Concern Ladder

Concerns rank from weakest to strongest:

	MEMORY / FIRE_AND_FORGET → APPLIED → REPLICATED → PERSISTED

MEMORY acknowledges on admission. The deferred concerns park a pending
entry that resolves when the write reaches the requested stage. Rank
comparisons let the pipeline treat the ladder uniformly instead of
special-casing each level.

# Batch Envelope

Outbound coalescing and inbound client batches share one codec:

	[u32 count] then per message: [u32 length][payload]

EncodeBatchFrame wraps the envelope in a BATCH frame; DecodeBatchData
validates every prefix against the remaining payload, so a corrupt or
hostile envelope fails cleanly instead of mis-slicing.

# Integration Points

  - pkg/transport: the coalescing writer emits batch envelopes
  - pkg/server: the router validates and dispatches frames by Type
  - pkg/query: query and result shapes embed directly in the Frame
*/
package protocol
