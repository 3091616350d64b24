package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the runtime. Every recorder is
// safe to call on a disabled (or nil) Metrics value.
type Metrics struct {
	config MetricsConfig

	// Playbook metrics
	playbooksStarted  *prometheus.CounterVec
	playbooksFinished *prometheus.CounterVec
	playbookDuration  *prometheus.HistogramVec
	activeExecutions  prometheus.Gauge

	// Step metrics
	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Resource metrics
	allocations        *prometheus.CounterVec
	allocatedResources prometheus.Gauge
	reservations       *prometheus.CounterVec

	// Strategy metrics
	strategyAttempts *prometheus.CounterVec

	// Capability metrics
	resolutions         *prometheus.CounterVec
	capabilityConflicts *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Event bus metrics
	eventsDropped prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
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

		playbooksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "playbooks_started_total",
				Help:      "Total number of playbook executions started",
			},
			[]string{"playbook"},
		),
		playbooksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "playbooks_finished_total",
				Help:      "Total number of playbook executions that reached a terminal status",
			},
			[]string{"playbook", "status"},
		),
		playbookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "playbook_duration_seconds",
				Help:      "Duration of playbook executions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of active playbook executions",
			},
		),
		stepsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_finished_total",
				Help:      "Total number of steps that reached a terminal status",
			},
			[]string{"status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"execution_type"},
		),
		allocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_allocations_total",
				Help:      "Resource allocation outcomes by matched tier",
			},
			[]string{"tier", "outcome"},
		),
		allocatedResources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "allocated_resources",
				Help:      "Current number of live resource allocations",
			},
		),
		reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservations_total",
				Help:      "Reservation state transitions",
			},
			[]string{"status"},
		),
		strategyAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strategy_attempts_total",
				Help:      "Execution strategy attempts by outcome",
			},
			[]string{"strategy", "outcome"},
		),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_resolutions_total",
				Help:      "Capability resolutions by cache result",
			},
			[]string{"cache"},
		),
		capabilityConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_conflicts_total",
				Help:      "Capability conflicts detected during resolution",
			},
			[]string{"type"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Lifecycle events dropped because a buffer was full",
			},
		),
	}

	registry.MustRegister(
		m.playbooksStarted,
		m.playbooksFinished,
		m.playbookDuration,
		m.activeExecutions,
		m.stepsFinished,
		m.stepDuration,
		m.allocations,
		m.allocatedResources,
		m.reservations,
		m.strategyAttempts,
		m.resolutions,
		m.capabilityConflicts,
		m.errorsByClass,
		m.errorsByCode,
		m.eventsDropped,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Playbook Metrics

// RecordPlaybookStarted increments the started counter and the active gauge.
func (m *Metrics) RecordPlaybookStarted(playbook string) {
	if !m.enabled() {
		return
	}
	m.playbooksStarted.WithLabelValues(playbook).Inc()
	m.activeExecutions.Inc()
}

// RecordPlaybookFinished records a terminal playbook with its status and duration.
func (m *Metrics) RecordPlaybookFinished(playbook, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.playbooksFinished.WithLabelValues(playbook, status).Inc()
	m.playbookDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// Step Metrics

// RecordStepFinished records a terminal step.
func (m *Metrics) RecordStepFinished(status, executionType string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsFinished.WithLabelValues(status).Inc()
	if executionType != "" {
		m.stepDuration.WithLabelValues(executionType).Observe(duration.Seconds())
	}
}

// Resource Metrics

// RecordAllocation records the outcome of one requirement allocation.
func (m *Metrics) RecordAllocation(tier, outcome string) {
	if !m.enabled() {
		return
	}
	m.allocations.WithLabelValues(tier, outcome).Inc()
}

// SetAllocatedResources sets the live allocation gauge.
func (m *Metrics) SetAllocatedResources(count int) {
	if !m.enabled() {
		return
	}
	m.allocatedResources.Set(float64(count))
}

// RecordReservation records a reservation status transition.
func (m *Metrics) RecordReservation(status string) {
	if !m.enabled() {
		return
	}
	m.reservations.WithLabelValues(status).Inc()
}

// Strategy Metrics

// RecordStrategyAttempt records one attempt of an execution strategy.
func (m *Metrics) RecordStrategyAttempt(strategy, outcome string) {
	if !m.enabled() {
		return
	}
	m.strategyAttempts.WithLabelValues(strategy, outcome).Inc()
}

// Capability Metrics

// RecordResolution records a capability resolution and whether it hit the cache.
func (m *Metrics) RecordResolution(cacheHit bool) {
	if !m.enabled() {
		return
	}
	label := "miss"
	if cacheHit {
		label = "hit"
	}
	m.resolutions.WithLabelValues(label).Inc()
}

// RecordCapabilityConflict records a conflict by type.
func (m *Metrics) RecordCapabilityConflict(conflictType string) {
	if !m.enabled() {
		return
	}
	m.capabilityConflicts.WithLabelValues(conflictType).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordEventDropped counts an event dropped by the event bus.
func (m *Metrics) RecordEventDropped() {
	if !m.enabled() {
		return
	}
	m.eventsDropped.Inc()
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

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewServer builds the HTTP server that exposes metrics. The caller owns its lifecycle.
func (m *Metrics) NewServer() *http.Server {
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
