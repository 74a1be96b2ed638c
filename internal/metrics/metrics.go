// Package metrics provides Prometheus instrumentation for escrowmart.
package metrics

import (
	"database/sql"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrowmart"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementAttemptsTotal counts settlement network attempts by method and outcome
	// (success, queued, failed).
	SettlementAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_attempts_total",
			Help:      "Total settlement network attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	// SettlementAttemptDuration observes settlement network round trips.
	SettlementAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_attempt_duration_seconds",
			Help:      "Settlement network call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	// SettlementClaimsTotal counts conditional claims by source (worker, manual, stale, withdraw)
	// and result (won, lost).
	SettlementClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_claims_total",
			Help:      "Total settlement call claims by source and result.",
		},
		[]string{"source", "result"},
	)

	// AlertsTotal counts emitted alerts by severity.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total alerts emitted by severity.",
		},
		[]string{"severity"},
	)

	// OrderTransitionsTotal counts order status transitions by target status.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Total order status transitions by resulting status.",
		},
		[]string{"status"},
	)

	// OrderRollbacksTotal counts compensated order creations by the failing step.
	OrderRollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_rollbacks_total",
			Help:      "Total order creations rolled back by failing step.",
		},
		[]string{"step"},
	)

	// EventsPublishedTotal counts kafka publishes by topic and result.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total events published by topic and result.",
		},
		[]string{"topic", "result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// SettlementWorkerCalls counts calls handled by retry worker passes by
	// result (succeeded, queued, failed, lost, reclaimed).
	SettlementWorkerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_worker_calls_total",
			Help:      "Settlement calls handled by the retry worker by result.",
		},
		[]string{"result"},
	)

	// SettlementWorkerLastPass is the unix time of the last completed pass.
	SettlementWorkerLastPass = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "settlement_worker_last_pass_timestamp_seconds",
		Help:      "Unix time the retry worker last finished a pass.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementAttemptsTotal,
		SettlementAttemptDuration,
		SettlementClaimsTotal,
		AlertsTotal,
		OrderTransitionsTotal,
		OrderRollbacksTotal,
		EventsPublishedTotal,
		ActiveWebSocketClients,
		SettlementWorkerCalls,
		SettlementWorkerLastPass,
	)
}

// RegisterDB exports connection pool stats for db under the escrowmart
// namespace. Registering the same pool twice is not an error.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware records request count and latency by route pattern. Requests
// that match no route share the "unmatched" label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
