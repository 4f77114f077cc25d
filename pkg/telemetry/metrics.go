package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for restore runs.
type Metrics struct {
	config MetricsConfig

	// Plan metrics
	plansStarted   prometheus.Counter
	plansCompleted *prometheus.CounterVec
	planDuration   *prometheus.HistogramVec
	activePlans    prometheus.Gauge

	// Step metrics
	stepTransitions *prometheus.CounterVec
	stepRetries     *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	activeSteps     prometheus.Gauge

	// Gateway metrics
	gatewayCalls    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	gatewayErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
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

		plansStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_started_total",
				Help:      "Total number of restore plans started",
			},
		),
		plansCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_completed_total",
				Help:      "Total number of restore plans completed",
			},
			[]string{"status"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Duration of restore plans in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_plans",
				Help:      "Current number of running restore plans",
			},
		),

		stepTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_transitions_total",
				Help:      "Total number of step state transitions",
			},
			[]string{"kind", "state"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retries by error class",
			},
			[]string{"kind", "class"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration from first submission to terminal state in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "state"},
		),
		activeSteps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_steps",
				Help:      "Current number of submitted or polling steps",
			},
		),

		gatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_calls_total",
				Help:      "Total number of cloud gateway calls",
			},
			[]string{"gateway", "operation"},
		),
		gatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Duration of cloud gateway calls in seconds",
				Buckets:   buckets,
			},
			[]string{"gateway", "operation"},
		),
		gatewayErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_errors_total",
				Help:      "Total number of cloud gateway errors",
			},
			[]string{"gateway", "operation", "class"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of step errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of step errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.plansStarted,
		m.plansCompleted,
		m.planDuration,
		m.activePlans,
		m.stepTransitions,
		m.stepRetries,
		m.stepDuration,
		m.activeSteps,
		m.gatewayCalls,
		m.gatewayDuration,
		m.gatewayErrors,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// RecordPlanStarted increments the counter for started plans.
func (m *Metrics) RecordPlanStarted() {
	if m.plansStarted == nil {
		return
	}
	m.plansStarted.Inc()
	m.activePlans.Inc()
}

// RecordPlanCompleted records a completed plan with its status and duration.
func (m *Metrics) RecordPlanCompleted(status string, duration time.Duration) {
	if m.plansCompleted == nil {
		return
	}
	m.plansCompleted.WithLabelValues(status).Inc()
	m.planDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activePlans.Dec()
}

// RecordStepTransition counts a step entering state.
func (m *Metrics) RecordStepTransition(kind, state string) {
	if m.stepTransitions == nil {
		return
	}
	m.stepTransitions.WithLabelValues(kind, state).Inc()
}

// RecordStepRetry counts a scheduled retry.
func (m *Metrics) RecordStepRetry(kind, class string) {
	if m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(kind, class).Inc()
}

// RecordStepCompleted observes the duration of a step that reached a terminal state.
func (m *Metrics) RecordStepCompleted(kind, state string, duration time.Duration) {
	if m.stepDuration == nil {
		return
	}
	m.stepDuration.WithLabelValues(kind, state).Observe(duration.Seconds())
}

// AddActiveSteps adjusts the active step gauge by delta.
func (m *Metrics) AddActiveSteps(delta float64) {
	if m.activeSteps == nil {
		return
	}
	m.activeSteps.Add(delta)
}

// RecordGatewayCall records a gateway call with its duration.
func (m *Metrics) RecordGatewayCall(gateway, operation string, duration time.Duration) {
	if m.gatewayCalls == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(gateway, operation).Inc()
	m.gatewayDuration.WithLabelValues(gateway, operation).Observe(duration.Seconds())
}

// RecordGatewayError records a classified gateway error.
func (m *Metrics) RecordGatewayError(gateway, operation, class string) {
	if m.gatewayErrors == nil {
		return
	}
	m.gatewayErrors.WithLabelValues(gateway, operation, class).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// StartMetricsServer starts an HTTP server exposing metrics on the
// configured listen address. It returns once the listener is bound.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	log.Info().Str("address", ln.Addr().String()).Msg("serving metrics")
	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
