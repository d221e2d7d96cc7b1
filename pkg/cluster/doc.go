/*
Package cluster maintains cluster membership and the peer websocket links.

Nodes are statically configured with their peer list. Each node dials one
outbound link to every peer and keeps it alive with reconnection backoff;
inbound peer traffic arrives on the server's cluster endpoint and is fed
into the same dispatch path. The Transport therefore gives the coordinator
a single surface for peer messaging regardless of which side opened the
socket.

# Architecture

  - Transport: owns the peer links, the membership view, and the single
    registered Handler for inbound frames
  - link: one outbound connection with its own dial/retry loop and a
    buffered send queue; a slow or dead peer backs up its own queue
    without stalling the others
  - Send targets one node; Broadcast fans a frame to every live link

Membership is the configured peer set plus the local node. Liveness is
reflected per link: a down peer drops out of the effective member list the
partition table is computed from, and rejoins when its link re-establishes.

# Integration Points

  - pkg/server: replication, forwarding, digest exchange, and GC votes all
    ride Transport.Send and Transport.Broadcast
  - pkg/partition: the member list orders partition ownership
  - pkg/protocol: peer frames share the client frame schema
*/
package cluster
