/*
Package transport wraps websocket connections and batches outbound writes.

Two concerns live here: adapting a gorilla/websocket connection to the small
Conn interface the rest of the system programs against, and the per-session
coalescing Writer that turns many small server pushes into few websocket
writes.

# Architecture

Conn:

  - WSConn serializes writes with an internal mutex, since gorilla permits
    only one concurrent writer per connection
  - Close sends a proper close frame with code and reason before tearing
    the socket down

Writer:

  - Messages queue until MaxBatchSize messages, MaxBatchBytes payload, or
    MaxDelay elapsed, whichever comes first
  - A flushed batch of one message is sent bare; larger batches wrap in
    the protocol batch envelope so the client unpacks them in order
  - The writer owns its flush goroutine; Stop drains the queue before
    returning so shutdown never truncates acknowledged traffic

Coalescing trades a bounded latency (MaxDelay) for a large reduction in
syscalls and frame overhead under fan-out load, where one mutation can
produce thousands of subscriber pushes.

# Integration Points

  - pkg/server: every session and peer link writes through a Writer
  - pkg/protocol: multi-message flushes use the batch envelope codec
*/
package transport
