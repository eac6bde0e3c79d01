// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// WSConnections tracks live order streams.
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dexflow_websocket_connections",
		Help: "Current number of order stream connections",
	})

	// OrdersSubmitted counts accepted intake submissions.
	OrdersSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dexflow_orders_submitted_total",
		Help: "Total orders accepted at intake",
	})

	// OrdersProcessed counts terminal outcomes by status.
	OrdersProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexflow_orders_processed_total",
		Help: "Total orders reaching a terminal state",
	}, []string{"status"})

	// OrderAttempts counts processing attempts, including retries.
	OrderAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dexflow_order_attempts_total",
		Help: "Total order processing attempts",
	})

	// ExecutionSeconds observes end-to-end attempt duration.
	ExecutionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dexflow_execution_seconds",
		Help:    "Duration of order processing attempts",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(WSConnections, OrdersSubmitted, OrdersProcessed, OrderAttempts, ExecutionSeconds)
}
