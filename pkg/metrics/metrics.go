package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LMTP transport metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wildduck_lmtp_connections_total",
			Help: "Total number of LMTP connections established",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wildduck_lmtp_connections_current",
			Help: "Current number of active LMTP connections",
		},
	)

	RecipientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wildduck_lmtp_recipients_total",
			Help: "LMTP recipients by final status",
		},
		[]string{"status"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wildduck_lmtp_message_size_bytes",
			Help:    "Size of received messages",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
)

// Delivery pipeline metrics
var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wildduck_deliveries_total",
			Help: "Per-recipient delivery outcomes",
		},
		[]string{"result"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wildduck_delivery_duration_seconds",
			Help:    "Time spent processing a single recipient",
			Buckets: prometheus.DefBuckets,
		},
	)

	ForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wildduck_forwards_total",
			Help: "Forwarding attempts by result",
		},
		[]string{"result"},
	)

	AutorepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wildduck_autoreplies_total",
			Help: "Autoreply attempts by result",
		},
		[]string{"result"},
	)

	FilterMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wildduck_filter_matches_total",
			Help: "Matched filters by kind",
		},
		[]string{"kind"},
	)
)

// Rate limiter metrics
var (
	CounterChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wildduck_counter_checks_total",
			Help: "Counter checks by counter type and result",
		},
		[]string{"counter", "result"},
	)
)

// Outbound queue metrics
var (
	QueuedMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wildduck_queue_messages_total",
			Help: "Messages pushed to the outbound queue by status",
		},
		[]string{"status"},
	)

	QueueRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wildduck_queue_records_total",
			Help: "Queue records inserted",
		},
	)

	QueuePushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wildduck_queue_push_duration_seconds",
			Help:    "Duration of a maildrop push including body upload",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Storage metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wildduck_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wildduck_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wildduck_db_transactions_total",
			Help: "Total number of database transactions",
		},
		[]string{"status"}, // status: "commit", "rollback"
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wildduck_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wildduck_db_pool_total_conns",
			Help: "Total number of connections in the pool",
		},
	)

	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wildduck_db_pool_idle_conns",
			Help: "Number of idle connections in the pool",
		},
	)

	DBPoolInUseConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wildduck_db_pool_in_use_conns",
			Help: "Number of connections currently in use",
		},
	)

	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wildduck_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wildduck_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
