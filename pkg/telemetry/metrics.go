package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for recipe executions.
// A disabled Metrics value is safe to use; every Record method is a no-op.
type Metrics struct {
	config MetricsConfig

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	activeExecutions  prometheus.Gauge
	leaseConflicts    prometheus.Counter

	stepsTotal *prometheus.CounterVec
	stepCost   *prometheus.CounterVec

	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	scheduledTotal *prometheus.CounterVec
	sweptTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Recipe executions that reached a terminal status",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time from lease acquisition to terminal status",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Executions currently held by this process",
			},
		),
		leaseConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_conflicts_total",
				Help:      "StartExecution calls that found the execution already leased or finished",
			},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Step results written, by step type and status",
			},
			[]string{"type", "status"},
		),
		stepCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_cost_cents_total",
				Help:      "Provider cost attributed to steps, in cents",
			},
			[]string{"type"},
		),
		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Provider adapter invocations by outcome",
			},
			[]string{"type", "outcome"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Provider adapter latency in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		scheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_total",
				Help:      "Executions handed to the task scheduler",
			},
			[]string{"scheduler", "outcome"},
		),
		sweptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "swept_total",
				Help:      "Executions rescheduled by the stale-lease sweeper",
			},
			[]string{"from"},
		),
	}

	registry.MustRegister(
		m.executionsTotal,
		m.executionDuration,
		m.activeExecutions,
		m.leaseConflicts,
		m.stepsTotal,
		m.stepCost,
		m.providerRequests,
		m.providerDuration,
		m.scheduledTotal,
		m.sweptTotal,
	)

	return m, nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordExecutionStarted marks an execution as held by this process.
func (m *Metrics) RecordExecutionStarted() {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Inc()
}

// RecordExecutionFinished records the terminal status and duration of a held execution.
func (m *Metrics) RecordExecutionFinished(status string, duration time.Duration) {
	if m.executionsTotal == nil {
		return
	}
	m.activeExecutions.Dec()
	m.executionsTotal.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordExecutionReleased marks a held execution as released without a terminal status
// written by this process, e.g. after a cancel or an interrupted run.
func (m *Metrics) RecordExecutionReleased() {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Dec()
}

// RecordTerminalStatus counts a terminal status reached outside the step loop, e.g. cancel.
func (m *Metrics) RecordTerminalStatus(status string) {
	if m.executionsTotal == nil {
		return
	}
	m.executionsTotal.WithLabelValues(status).Inc()
}

// RecordLeaseConflict counts a StartExecution call that did not acquire the lease.
func (m *Metrics) RecordLeaseConflict() {
	if m.leaseConflicts == nil {
		return
	}
	m.leaseConflicts.Inc()
}

// RecordStep counts a persisted step result and its cost.
func (m *Metrics) RecordStep(stepType, status string, costCents int64) {
	if m.stepsTotal == nil {
		return
	}
	m.stepsTotal.WithLabelValues(stepType, status).Inc()
	if costCents > 0 {
		m.stepCost.WithLabelValues(stepType).Add(float64(costCents))
	}
}

// RecordProviderRequest records one adapter invocation.
func (m *Metrics) RecordProviderRequest(stepType, outcome string, duration time.Duration) {
	if m.providerRequests == nil {
		return
	}
	m.providerRequests.WithLabelValues(stepType, outcome).Inc()
	m.providerDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// RecordScheduled counts a Schedule call on the named scheduler.
func (m *Metrics) RecordScheduled(scheduler string, err error) {
	if m.scheduledTotal == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.scheduledTotal.WithLabelValues(scheduler, outcome).Inc()
}

// RecordSwept counts an execution rescheduled by the sweeper.
func (m *Metrics) RecordSwept(from string) {
	if m.sweptTotal == nil {
		return
	}
	m.sweptTotal.WithLabelValues(from).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewMetricsServer returns a standalone metrics server for processes without the HTTP API,
// such as the queue worker. The caller owns ListenAndServe and Shutdown.
func (m *Metrics) NewMetricsServer() (*http.Server, error) {
	if !m.config.Enabled {
		return nil, errors.New("metrics are disabled")
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}
