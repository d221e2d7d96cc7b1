/*
Package metrics defines the process-wide Prometheus collectors.

All collectors register once at init on a private registry and are exposed
through Handler on the HTTP facade's /metrics endpoint. Packages record
into the exported collectors directly; there is no indirection layer.

# Collector Groups

Sessions and admission:

  - topgun_sessions_active, topgun_sessions_total,
    topgun_sessions_rejected_total, topgun_heartbeat_evictions_total

Coalescing writer:

  - topgun_writer_messages_sent_total, topgun_writer_batches_sent_total,
    topgun_writer_bytes_sent_total, plus immediate/timed flush counters

Write pipeline:

  - topgun_ops_applied_total, topgun_ops_forwarded_total,
    topgun_pending_writes, and the batch regulator's forced-sync, wait,
    and timeout counters

Event routing:

  - topgun_events_routed_total, the per-subscription filter counter, and
    the topgun_subscribers_per_event histogram, observed once per event
    with its fan-out size

Cluster and GC:

  - scatter-gather query gauges/timeouts and GC round/prune counters

# Integration Points

  - pkg/server: records into most collectors and mounts Handler
  - pkg/transport: the writer records its flush counters
*/
package metrics
