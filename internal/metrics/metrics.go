// Package metrics provides Prometheus instrumentation for KYA nodes.
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

const namespace = "kya"

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

	// RegistryOperationsTotal counts registry state machine operations by result.
	RegistryOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_operations_total",
			Help:      "Registry operations by name and result (ok or error kind).",
		},
		[]string{"operation", "result"},
	)

	// TierTransitionsTotal counts badge tier changes.
	TierTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_transitions_total",
			Help:      "Badge tier changes by source and destination tier.",
		},
		[]string{"from", "to"},
	)

	// MessagesSentTotal counts cross-chain messages handed to the transport.
	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Cross-chain messages sent by kind.",
		},
		[]string{"kind"},
	)

	// MessagesHandledTotal counts inbound messages by kind and outcome.
	MessagesHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Inbound cross-chain messages by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// MessageDeliveryRetriesTotal counts redelivery attempts after storage failures.
	MessageDeliveryRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "message_delivery_retries_total",
		Help:      "Message deliveries retried after a transient handler failure.",
	})

	// MessagesQueued tracks envelopes waiting in the in-memory transport.
	MessagesQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "messages_queued",
		Help:      "Envelopes queued for delivery in the in-memory transport.",
	})

	// CommitmentsTotal counts score commitments stored by the bridge.
	CommitmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commitments_total",
			Help:      "Score commitments stored by source (response or registered).",
		},
		[]string{"source"},
	)

	// PendingScoreRequests tracks score requests awaiting a response.
	PendingScoreRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_score_requests",
		Help:      "Score requests awaiting a response from the registry.",
	})

	// ScoreRequestTimeoutsTotal counts score requests expired by the sweeper.
	ScoreRequestTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "score_request_timeouts_total",
		Help:      "Score requests that expired before a response arrived.",
	})

	// RelayTasksTotal counts tasks logged through agent relays.
	RelayTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_tasks_total",
			Help:      "Tasks logged through agent relays by outcome.",
		},
		[]string{"outcome"},
	)

	// RelayReportFailuresTotal counts ActivityLog sends left pending for retry.
	RelayReportFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_report_failures_total",
		Help:      "Activity log sends that failed and were left pending.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// OutboxBreakerTransitionsTotal counts outbox circuit state changes per route.
	OutboxBreakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "breaker_transitions_total",
		Help:      "Outbox circuit breaker transitions by route and state.",
	}, []string{"route", "from_state", "to_state"})
	// RateLimitedTotal counts rejected requests by bucket kind (ip or agent).
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	}, []string{"bucket"})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RegistryOperationsTotal,
		TierTransitionsTotal,
		MessagesSentTotal,
		MessagesHandledTotal,
		MessageDeliveryRetriesTotal,
		MessagesQueued,
		CommitmentsTotal,
		PendingScoreRequests,
		ScoreRequestTimeoutsTotal,
		RelayTasksTotal,
		RelayReportFailuresTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
		OutboxBreakerTransitionsTotal,
		RateLimitedTotal,
	)
}

// StartDBStatsCollector samples database pool stats now and every
// interval until ctx is cancelled.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sampleDBStats(db.Stats())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sampleDBStats(stats sql.DBStats) {
	DBOpenConnections.Set(float64(stats.OpenConnections))
	DBInUseConnections.Set(float64(stats.InUse))
	DBWaitCount.Set(float64(stats.WaitCount))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Route patterns, never raw paths, so agent addresses stay out of labels.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler exposes the default registry in Prometheus text format.
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
