// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/Yoo1tic/pollux/scheduler"
)

// Collector records HTTP, upstream-call, credential-pool and refresh
// pipeline metrics. It implements scheduler.EventSink so every credential
// transition is counted.
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Upstream model calls
	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec

	// Credential pool
	credentialTransitions *prometheus.CounterVec
	credentialsByState    *prometheus.GaugeVec
	queueLength           *prometheus.GaugeVec

	// Refresh pipeline
	refreshResultsTotal *prometheus.CounterVec
	refreshJobsPending  prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers all metric vectors under the given namespace.
// reg may be nil, in which case the default registerer is used.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.upstreamRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream model API calls",
		},
		[]string{"model", "status"},
	)
	c.upstreamRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream model API call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	c.credentialTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_transitions_total",
			Help:      "Total number of credential scheduling transitions",
		},
		[]string{"from_state", "to_state", "outcome"},
	)
	c.credentialsByState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credentials_by_state",
			Help:      "Number of credentials per scheduling state",
		},
		[]string{"state"},
	)
	c.queueLength = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_queue_length",
			Help:      "Number of credentials eligible per model",
		},
		[]string{"model"},
	)

	c.refreshResultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_results_total",
			Help:      "Total number of completed refresh jobs",
		},
		[]string{"reason", "status"},
	)
	c.refreshJobsPending = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refresh_jobs_pending",
			Help:      "Number of credentials with an outstanding refresh job",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one front-end HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordUpstreamRequest records one model API call.
func (c *Collector) RecordUpstreamRequest(model string, status int, duration time.Duration) {
	c.upstreamRequestsTotal.WithLabelValues(model, statusClass(status)).Inc()
	c.upstreamRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordRefreshResult records one completed refresh job.
func (c *Collector) RecordRefreshResult(reason string, ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	c.refreshResultsTotal.WithLabelValues(reason, status).Inc()
}

// UpdatePoolStats republishes the pool gauges from a stats snapshot.
func (c *Collector) UpdatePoolStats(s scheduler.Stats) {
	for state, n := range s.ByState {
		c.credentialsByState.WithLabelValues(state).Set(float64(n))
	}
	for model, n := range s.QueueLengths {
		c.queueLength.WithLabelValues(model).Set(float64(n))
	}
	c.refreshJobsPending.Set(float64(s.PendingJobs))
}

// OnTransition implements scheduler.EventSink.
func (c *Collector) OnTransition(ev scheduler.TransitionEvent) {
	c.credentialTransitions.WithLabelValues(ev.From.String(), ev.To.String(), ev.Outcome).Inc()
}

// statusClass collapses an HTTP status code into its class label.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
