package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session service metrics
	sessionOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchday_session_ops_total",
			Help: "Total number of session service operations",
		},
		[]string{"backend", "op", "status"},
	)

	sessionOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matchday_session_op_duration_seconds",
			Help:    "Session service operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	sessionReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchday_session_reconciliations_total",
			Help: "Total number of concurrent-write reconciliations during event appends",
		},
		[]string{"backend"},
	)

	// Retention sweeper metrics
	sweptSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchday_swept_sessions_total",
			Help: "Total number of idle sessions removed by the retention sweeper",
		},
		[]string{"app"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matchday_sweep_duration_seconds",
			Help:    "Retention sweep duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus metrics. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionOpsTotal,
			sessionOpDuration,
			sessionReconciliationsTotal,
			sweptSessionsTotal,
			sweepDuration,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionOp records one session service operation.
func RecordSessionOp(backend, op, status string, duration time.Duration) {
	sessionOpsTotal.WithLabelValues(backend, op, status).Inc()
	sessionOpDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// TimeSessionOp returns a deferred recorder for one operation:
//
//	defer obs.TimeSessionOp("firestore", "get", time.Now())(&err)
func TimeSessionOp(backend, op string, start time.Time) func(*error) {
	return func(errp *error) {
		status := "ok"
		if errp != nil && *errp != nil {
			status = "error"
		}
		RecordSessionOp(backend, op, status, time.Since(start))
	}
}

// RecordSessionReconciliation counts one concurrent-write reconciliation.
func RecordSessionReconciliation(backend string) {
	sessionReconciliationsTotal.WithLabelValues(backend).Inc()
}

// RecordSweptSessions records sessions removed by one retention sweep.
func RecordSweptSessions(app string, count int, duration time.Duration) {
	sweptSessionsTotal.WithLabelValues(app).Add(float64(count))
	sweepDuration.Observe(duration.Seconds())
}
