package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

type promMetrics struct {
	registry          *prometheus.Registry
	errorsTotal       *prometheus.CounterVec
	recoveriesTotal   *prometheus.CounterVec
	nodeDuration      *prometheus.HistogramVec
	executionDuration *prometheus.HistogramVec
	executionsTotal   *prometheus.CounterVec
	retryAttempts     *prometheus.CounterVec
}

func newPromMetrics() *promMetrics {
	m := &promMetrics{
		registry: prometheus.NewRegistry(),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graph_errors_total",
				Help: "Node errors by category and recovery action.",
			},
			[]string{"error_type", "action"},
		),
		recoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graph_recoveries_total",
				Help: "Recovery outcomes of node errors.",
			},
			[]string{"outcome"}, // success | failure
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graph_node_duration_seconds",
				Help:    "Node execution time in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node_type", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graph_execution_duration_seconds",
				Help:    "Graph execution time in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"graph", "status"},
		),
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graph_executions_total",
				Help: "Finished graph executions by status.",
			},
			[]string{"graph", "status"},
		),
		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graph_retry_attempts_total",
				Help: "Node retry attempts.",
			},
			[]string{"node_id"},
		),
	}

	m.registry.MustRegister(
		m.errorsTotal, m.recoveriesTotal,
		m.nodeDuration, m.executionDuration,
		m.executionsTotal, m.retryAttempts,
	)

	return m
}

func (m *promMetrics) observeError(e ErrorEvent) {
	m.errorsTotal.WithLabelValues(string(e.ErrorType), string(e.Action)).Inc()

	outcome := "failure"
	if e.RecoverySuccess {
		outcome = "success"
	}

	m.recoveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveNode records the duration of one node execution.
func (c *ErrorMetricsCollector) ObserveNode(nodeType, status string, d time.Duration) {
	c.prom.nodeDuration.WithLabelValues(nodeType, status).Observe(d.Seconds())
}

// ObserveExecution records a finished execution.
func (c *ErrorMetricsCollector) ObserveExecution(graphName, status string, d time.Duration) {
	c.prom.executionDuration.WithLabelValues(graphName, status).Observe(d.Seconds())
	c.prom.executionsTotal.WithLabelValues(graphName, status).Inc()
}

// ObserveRetry counts a retry attempt of a node.
func (c *ErrorMetricsCollector) ObserveRetry(nodeID string, attempt int) {
	if attempt <= 0 {
		return
	}

	c.prom.retryAttempts.WithLabelValues(nodeID).Inc()
}

// Registry exposes the collector's Prometheus registry.
func (c *ErrorMetricsCollector) Registry() *prometheus.Registry {
	return c.prom.registry
}

// WritePrometheus writes every metric in the text exposition format.
func (c *ErrorMetricsCollector) WritePrometheus(w io.Writer) error {
	families, err := c.prom.registry.Gather()
	if err != nil {
		return err
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}

	return nil
}

// ContentType is the media type produced by WritePrometheus.
func ContentType() string {
	return string(expfmt.NewFormat(expfmt.TypeTextPlain))
}
