package handler

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Stage event append attempts by outcome (ok or error code).",
	}, []string{"outcome"})

	ledgerBatchesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_batches_created_total",
		Help: "Total batches opened.",
	})

	ledgerIntegrityFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_integrity_failures_total",
		Help: "Total batches that failed hash chain verification.",
	})

	ledgerAnchorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_anchor_runs_total",
		Help: "Anchor publisher runs by outcome.",
	}, []string{"outcome"})

	ledgerAnchoredHeadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_anchored_heads_total",
		Help: "Total batch heads committed to the anchor sink.",
	})

	ledgerDependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_dependency_up",
		Help: "1 if the last probe of a backing service succeeded, 0 otherwise.",
	}, []string{"dependency"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		ledgerRequestsTotal.WithLabelValues(method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records the outcome of an append attempt.
func RecordAppend(err error) {
	ledgerAppendsTotal.WithLabelValues(outcome(err)).Inc()
}

// RecordBatchCreated records a newly opened batch.
func RecordBatchCreated() {
	ledgerBatchesCreatedTotal.Inc()
}

// RecordIntegrityFailure records a batch that failed verification.
func RecordIntegrityFailure() {
	ledgerIntegrityFailuresTotal.Inc()
}

// RecordAnchorRun records one publisher run. It matches anchor.MetricsRecordFunc.
func RecordAnchorRun(outcome string, batches int) {
	ledgerAnchorRunsTotal.WithLabelValues(outcome).Inc()
	if outcome == "anchored" {
		ledgerAnchoredHeadsTotal.Add(float64(batches))
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var coded model.CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "error"
}

// RecordDependencyCheck records the latest probe result of a backing service.
func RecordDependencyCheck(dependency string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	ledgerDependencyUp.WithLabelValues(dependency).Set(v)
}
