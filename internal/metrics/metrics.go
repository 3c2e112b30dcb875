// Package metrics provides Prometheus instrumentation for the SwapLoop platform.
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
			Namespace: "swaploop",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "swaploop",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// MatchesTotal counts match lifecycle transitions by resulting status.
	MatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swaploop",
			Name:      "matches_total",
			Help:      "Total match transitions by resulting status.",
		},
		[]string{"status"},
	)

	// OffersTotal counts negotiation operations by attribute type and action.
	OffersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swaploop",
			Name:      "negotiation_offers_total",
			Help:      "Total negotiation operations by attribute type and action.",
		},
		[]string{"type", "action"},
	)

	// CapturesTotal counts payment capture attempts by result.
	CapturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swaploop",
			Name:      "payment_captures_total",
			Help:      "Total payment capture attempts by result.",
		},
		[]string{"result"},
	)

	// StepUpVerificationsTotal counts OTP verification attempts by result.
	StepUpVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swaploop",
			Name:      "stepup_verifications_total",
			Help:      "Total step-up verification attempts by result.",
		},
		[]string{"result"},
	)

	// RefundsTotal counts refund transitions by resulting status.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swaploop",
			Name:      "refunds_total",
			Help:      "Total refund transitions by resulting status.",
		},
		[]string{"status"},
	)

	// PayoutsTotal counts payout request transitions by resulting status.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swaploop",
			Name:      "payouts_total",
			Help:      "Total payout request transitions by resulting status.",
		},
		[]string{"status"},
	)

	// AssignmentConflictsTotal counts courier assignments lost to a concurrent claim.
	AssignmentConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "swaploop",
			Name:      "assignment_conflicts_total",
			Help:      "Courier assignment attempts that lost the claim race.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swaploop",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swaploop", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swaploop", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swaploop", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swaploop", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swaploop", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "swaploop", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MatchesTotal,
		OffersTotal,
		CapturesTotal,
		StepUpVerificationsTotal,
		RefundsTotal,
		PayoutsTotal,
		AssignmentConflictsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
