// Package metrics provides Prometheus instrumentation for the marketplace.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farmart",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "farmart",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrdersTotal counts orders by the status they reached.
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farmart",
			Name:      "orders_total",
			Help:      "Total orders by status reached.",
		},
		[]string{"status"},
	)

	// OrderTransitionsTotal counts order state machine transitions.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farmart",
			Name:      "order_transitions_total",
			Help:      "Total order state transitions by from/to status.",
		},
		[]string{"from", "to"},
	)

	// PaymentsTotal counts mobile-money charge attempts by outcome.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farmart",
			Name:      "payments_total",
			Help:      "Total M-Pesa payment attempts by outcome.",
		},
		[]string{"status"},
	)

	// DisputesTotal counts disputes by resolution outcome.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farmart",
			Name:      "disputes_total",
			Help:      "Total disputes by resolution.",
		},
		[]string{"resolution"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "farmart",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmart", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmart", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmart", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmart", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmart", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmart", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// --- Escrow metrics ---

	EscrowHeldTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "farmart",
		Name:      "escrow_held_total",
		Help:      "Total escrow accounts opened.",
	})

	EscrowReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "farmart",
		Name:      "escrow_released_total",
		Help:      "Total escrows released to the farmer.",
	})

	EscrowRefundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "farmart",
		Name:      "escrow_refunded_total",
		Help:      "Total escrows refunded to the buyer.",
	})

	EscrowAutoReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "farmart",
		Name:      "escrow_auto_released_total",
		Help:      "Total escrows auto-released by the sweep after the hold window.",
	})

	EscrowSweepFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "farmart",
		Name:      "escrow_sweep_failures_total",
		Help:      "Total individual escrow releases that failed during a sweep.",
	})

	EscrowHeldDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "farmart",
		Name:      "escrow_held_duration_seconds",
		Help:      "Time from funds held to settlement in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 172800, 259200, 345600, 604800},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrdersTotal,
		OrderTransitionsTotal,
		PaymentsTotal,
		DisputesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		EscrowHeldTotal,
		EscrowReleasedTotal,
		EscrowRefundedTotal,
		EscrowAutoReleasedTotal,
		EscrowSweepFailuresTotal,
		EscrowHeldDuration,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
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
