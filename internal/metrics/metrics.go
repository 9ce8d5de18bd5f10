// Package metrics provides Prometheus instrumentation for the peervault platform.
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
			Namespace: "peervault",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peervault",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TradeRequestsTotal counts trade requests by outcome
	// (accepted, expired, cancelled, declined).
	TradeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "trade_requests_total",
			Help:      "Total trade requests by final outcome.",
		},
		[]string{"outcome"},
	)

	// AcceptRacesTotal counts accept attempts that lost the claim race.
	AcceptRacesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peervault",
		Name:      "accept_races_lost_total",
		Help:      "Total accept attempts rejected because the request was already taken.",
	})

	// EscrowTransitionsTotal counts escrow state transitions by target state.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by target state.",
		},
		[]string{"to"},
	)

	// CustodyCallsTotal counts custody gateway calls by operation and result.
	CustodyCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "custody_calls_total",
			Help:      "Total custody gateway calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// CreditSpendsTotal counts credit debits by result (ok, insufficient).
	CreditSpendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "credit_spends_total",
			Help:      "Total credit spend attempts by result.",
		},
		[]string{"result"},
	)

	// NotificationsTotal counts notification emits by channel and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "notifications_total",
			Help:      "Total notification emits by channel and result.",
		},
		[]string{"channel", "result"},
	)

	// TradeDuration observes time from trade creation to completion.
	TradeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "peervault",
		Name:      "trade_duration_seconds",
		Help:      "Time from trade creation to completion in seconds.",
		Buckets:   []float64{30, 60, 120, 300, 600, 1800, 3600, 21600, 86400},
	})

	// ActiveFundingPollers tracks trades currently polling for their deposit.
	ActiveFundingPollers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peervault",
		Name:      "active_funding_pollers",
		Help:      "Number of trades currently polling the custody provider for funding.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peervault",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peervault", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peervault", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peervault", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peervault", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TradeRequestsTotal,
		AcceptRacesTotal,
		EscrowTransitionsTotal,
		CustodyCallsTotal,
		CreditSpendsTotal,
		NotificationsTotal,
		TradeDuration,
		ActiveFundingPollers,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
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
