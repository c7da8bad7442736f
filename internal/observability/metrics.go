// Package observability provides Prometheus metrics and health checks.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager manages Prometheus metrics
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	activeExecutions  prometheus.Gauge
	queuedExecutions  prometheus.Gauge
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	oauthExchanges    *prometheus.CounterVec
	authCallbacks     *prometheus.CounterVec
	storageOps        *prometheus.CounterVec
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	registry := prometheus.NewRegistry()

	mm := &MetricsManager{
		logger:   logger,
		registry: registry,
	}

	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.activeExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modulex_executions_active",
		Help: "Number of tool actions currently running",
	})

	mm.queuedExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modulex_executions_queued",
		Help: "Number of execute calls admitted but not yet holding a slot",
	})

	mm.executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modulex_executions_total",
			Help: "Total tool action executions",
		},
		[]string{"tool", "outcome"},
	)

	mm.executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modulex_execution_duration_seconds",
			Help:    "Tool action execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	mm.oauthExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modulex_oauth_exchanges_total",
			Help: "Total OAuth token exchange attempts",
		},
		[]string{"provider", "outcome"},
	)

	mm.authCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modulex_auth_callbacks_total",
			Help: "Total OAuth callback requests",
		},
		[]string{"tool", "outcome"},
	)

	mm.storageOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modulex_storage_ops_total",
			Help: "Total credential store operations",
		},
		[]string{"op", "outcome"},
	)
}

func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mm.activeExecutions,
		mm.queuedExecutions,
		mm.executions,
		mm.executionDuration,
		mm.oauthExchanges,
		mm.authCallbacks,
		mm.storageOps,
	)
}

// Handler returns the /metrics HTTP handler
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{})
}

// SetActiveExecutions updates the active executions gauge
func (mm *MetricsManager) SetActiveExecutions(n int64) {
	mm.activeExecutions.Set(float64(n))
}

// SetQueuedExecutions updates the queued executions gauge
func (mm *MetricsManager) SetQueuedExecutions(n int64) {
	mm.queuedExecutions.Set(float64(n))
}

// RecordExecution records one completed execution
func (mm *MetricsManager) RecordExecution(tool, outcome string, seconds float64) {
	mm.executions.WithLabelValues(tool, outcome).Inc()
	mm.executionDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordOAuthExchange records one token exchange attempt
func (mm *MetricsManager) RecordOAuthExchange(provider, outcome string) {
	mm.oauthExchanges.WithLabelValues(provider, outcome).Inc()
}

// RecordAuthCallback records one OAuth callback
func (mm *MetricsManager) RecordAuthCallback(tool, outcome string) {
	mm.authCallbacks.WithLabelValues(tool, outcome).Inc()
}

// RecordStorageOp records one credential store operation
func (mm *MetricsManager) RecordStorageOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	mm.storageOps.WithLabelValues(op, outcome).Inc()
}
