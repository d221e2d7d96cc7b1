package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "topgun_sessions_active",
			Help: "Number of currently open client sessions",
		},
	)

	SessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_sessions_total",
			Help: "Total number of accepted client sessions",
		},
	)

	SessionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_sessions_rejected_total",
			Help: "Total number of connections rejected by admission control",
		},
	)

	HeartbeatEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_heartbeat_evictions_total",
			Help: "Total number of sessions evicted for missed heartbeats",
		},
	)

	// Coalescing writer metrics
	WriterMessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_writer_messages_sent_total",
			Help: "Total messages handed to session writers",
		},
	)

	WriterBatchesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_writer_batches_sent_total",
			Help: "Total batch envelopes flushed to sockets",
		},
	)

	WriterBytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_writer_bytes_sent_total",
			Help: "Total bytes flushed to sockets",
		},
	)

	WriterImmediateFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_writer_immediate_flushes_total",
			Help: "Flushes forced by batch size or byte triggers",
		},
	)

	WriterTimedFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_writer_timed_flushes_total",
			Help: "Flushes driven by the max-delay timer",
		},
	)

	// Map and pipeline metrics
	MapSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "topgun_map_size",
			Help: "Live keys per map",
		},
		[]string{"map"},
	)

	OpsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topgun_ops_applied_total",
			Help: "Operations applied by map and result",
		},
		[]string{"map", "result"},
	)

	OpsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_ops_forwarded_total",
			Help: "Operations forwarded to remote partition owners",
		},
	)

	// Batch processor backpressure
	BatchSyncForced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_batch_sync_forced_total",
			Help: "Batches drained synchronously under backpressure",
		},
	)

	BatchWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_batch_waits_total",
			Help: "Batches that waited for admission capacity",
		},
	)

	BatchTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_batch_timeouts_total",
			Help: "Batches rejected after waiting for capacity",
		},
	)

	PendingWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "topgun_pending_writes",
			Help: "Write-concern entries awaiting their target level",
		},
	)

	// Broadcast router
	EventsRouted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_events_routed_total",
			Help: "Events delivered through the broadcast router",
		},
	)

	EventsFilteredBySubscription = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_events_filtered_by_subscription_total",
			Help: "Events dropped because no session subscribes to the map",
		},
	)

	SubscribersPerEvent = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "topgun_subscribers_per_event",
			Help:    "Sessions receiving each routed event",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// Cluster
	ClusterQueriesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "topgun_cluster_queries_active",
			Help: "Scatter/gather queries awaiting peer responses",
		},
	)

	ClusterQueryTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_cluster_query_timeouts_total",
			Help: "Scatter/gather queries finalized with partial results",
		},
	)

	GCRounds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_gc_rounds_total",
			Help: "Completed GC consensus rounds",
		},
	)

	GCPrunedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "topgun_gc_pruned_records_total",
			Help: "Tombstones pruned by GC",
		},
	)

	// HTTP facade
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topgun_http_requests_total",
			Help: "HTTP facade requests by path and status",
		},
		[]string{"path", "status"},
	)
)

func init() {
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionsRejected)
	prometheus.MustRegister(HeartbeatEvictions)
	prometheus.MustRegister(WriterMessagesSent)
	prometheus.MustRegister(WriterBatchesSent)
	prometheus.MustRegister(WriterBytesSent)
	prometheus.MustRegister(WriterImmediateFlushes)
	prometheus.MustRegister(WriterTimedFlushes)
	prometheus.MustRegister(MapSize)
	prometheus.MustRegister(OpsApplied)
	prometheus.MustRegister(OpsForwarded)
	prometheus.MustRegister(BatchSyncForced)
	prometheus.MustRegister(BatchWaits)
	prometheus.MustRegister(BatchTimeouts)
	prometheus.MustRegister(PendingWrites)
	prometheus.MustRegister(EventsRouted)
	prometheus.MustRegister(EventsFilteredBySubscription)
	prometheus.MustRegister(SubscribersPerEvent)
	prometheus.MustRegister(ClusterQueriesActive)
	prometheus.MustRegister(ClusterQueryTimeouts)
	prometheus.MustRegister(GCRounds)
	prometheus.MustRegister(GCPrunedRecords)
	prometheus.MustRegister(HTTPRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
