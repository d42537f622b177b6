package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// DispatchTasks counts tasks reaching an outcome (sent, queued, failed)
	// per channel.
	DispatchTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_total",
			Help: "Dispatch task outcomes by channel.",
		},
		[]string{"channel", "outcome"},
	)

	// LedgerOps counts ledger operations by kind and result
	// (ok, insufficient, noop, error).
	LedgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Credit ledger operations by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// BridgeEvents counts extension protocol events (heartbeat, pull, ack,
	// requeue, timeout, blocked).
	BridgeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_events_total",
			Help: "Extension bridge events.",
		},
		[]string{"event"},
	)

	// HTTPRequests counts requests by method, route template and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration has no status label to keep the histogram small.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	// HTTPResponseSize buckets span 200B to 5MiB; task pages are the largest
	// bodies this API returns.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Size of HTTP responses in bytes.",
			Buckets: prometheus.ExponentialBucketsRange(200, 5<<20, 12),
		},
		[]string{"method", "path"},
	)

	// ActiveWorkers is the number of running campaign workers.
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_active_workers",
			Help: "Campaign workers currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DispatchTasks, LedgerOps, BridgeEvents, ActiveWorkers,
		HTTPRequests, HTTPDuration, HTTPInflight, HTTPResponseSize,
	)
}
