package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived tracks events delivered by the provider per stream and kind
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwatch_events_received_total",
			Help: "Total number of events received from the provider",
		},
		[]string{"stream", "kind"},
	)

	// EventsProcessed tracks items in successfully committed batches
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwatch_events_processed_total",
			Help: "Total number of events committed to the store",
		},
		[]string{"stream", "kind"},
	)

	// EventsFailed tracks items that failed mapping or exhausted batch retries
	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwatch_events_failed_total",
			Help: "Total number of events that failed processing",
		},
		[]string{"stream", "kind"},
	)

	// EventsDropped tracks enqueue rejections under backpressure
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwatch_events_dropped_total",
			Help: "Total number of events rejected for backpressure",
		},
		[]string{"stream"},
	)

	// UnknownTopics tracks provider events outside the known event set
	UnknownTopics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwatch_unknown_topics_total",
			Help: "Total number of events skipped for an unknown topic",
		},
		[]string{"stream"},
	)

	// QueueDepth tracks buffered items per stream
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamwatch_queue_depth",
			Help: "Number of buffered items per stream",
		},
		[]string{"stream"},
	)

	// QueueDepthGlobal tracks the process-wide buffered total
	QueueDepthGlobal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamwatch_queue_depth_global",
			Help: "Total buffered items across all streams",
		},
	)

	// BatchSize observes released batch sizes
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamwatch_batch_size",
			Help:    "Number of items per released batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"stream"},
	)

	// BatchCommitDuration observes end-to-end batch commit latency
	BatchCommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamwatch_batch_commit_duration_seconds",
			Help:    "Batch commit duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stream"},
	)

	// BatchesCommitted tracks committed batches per stream
	BatchesCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwatch_batches_committed_total",
			Help: "Total number of batches committed",
		},
		[]string{"stream"},
	)

	// BatchesDeadLettered tracks batches that exhausted commit retries
	BatchesDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwatch_batches_dead_lettered_total",
			Help: "Total number of batches dead-lettered after exhausting retries",
		},
		[]string{"stream"},
	)

	// ActiveBatches tracks batches currently holding a committer slot
	ActiveBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamwatch_active_batches",
			Help: "Number of batches currently being committed",
		},
	)

	// CircuitState exposes the breaker state per stream (0 closed, 1 half-open, 2 open)
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamwatch_circuit_state",
			Help: "Circuit breaker state per stream (0=closed, 1=half-open, 2=open)",
		},
		[]string{"stream"},
	)

	// CircuitTrips tracks closed-to-open transitions per stream
	CircuitTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwatch_circuit_trips_total",
			Help: "Total number of circuit breaker trips",
		},
		[]string{"stream"},
	)

	// Reconnects tracks scheduled subscription reconnect attempts
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwatch_reconnects_total",
			Help: "Total number of subscription reconnect attempts",
		},
		[]string{"stream"},
	)

	// CheckpointPosition exposes the last acknowledged position per stream
	CheckpointPosition = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamwatch_checkpoint_position",
			Help: "Last acknowledged ledger position per stream",
		},
		[]string{"stream"},
	)

	// CheckpointWriteFailures tracks failed async checkpoint writes
	CheckpointWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwatch_checkpoint_write_failures_total",
			Help: "Total number of failed checkpoint writes",
		},
		[]string{"stream"},
	)

	// DBBatchSize observes multi-row statement sizes inside the unit of work
	DBBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamwatch_db_batch_size",
			Help:    "Rows per multi-row statement",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"statement"},
	)

	// DBConnectionPoolUsage tracks connection pool utilization percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamwatch_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
