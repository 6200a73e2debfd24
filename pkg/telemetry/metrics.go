package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for install runs.
type Metrics struct {
	config MetricsConfig

	installsStarted   *prometheus.CounterVec
	installsCompleted *prometheus.CounterVec
	installDuration   *prometheus.HistogramVec

	phaseDuration *prometheus.HistogramVec
	phaseFailures *prometheus.CounterVec

	bootstrapRuns *prometheus.CounterVec
	fetchCache    *prometheus.CounterVec
	patchesApplied prometheus.Counter
	policyDenials  *prometheus.CounterVec

	activeInstalls prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. A disabled config yields a Metrics
// whose Record methods do nothing.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		installsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "installs_started_total",
				Help:      "Total number of install runs started",
			},
			[]string{"package"},
		),
		installsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "installs_completed_total",
				Help:      "Total number of install runs finished, by final state",
			},
			[]string{"package", "state"},
		),
		installDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "install_duration_seconds",
				Help:      "Duration of install runs in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "phase_duration_seconds",
				Help:      "Duration of pipeline phases in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
		phaseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "phase_failures_total",
				Help:      "Total number of phase failures by phase and error class",
			},
			[]string{"phase", "class"},
		),
		bootstrapRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "bootstrap_runs_total",
				Help:      "Bootstrap checks by outcome (initialized, skipped, failed)",
			},
			[]string{"outcome"},
		),
		fetchCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "fetch_cache_total",
				Help:      "Source fetches by cache result (hit, miss)",
			},
			[]string{"result"},
		),
		patchesApplied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "patch_rules_applied_total",
				Help:      "Total number of patch rules applied",
			},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "policy_denials_total",
				Help:      "Admission policy denials by policy",
			},
			[]string{"policy"},
		),
		activeInstalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "active_installs",
				Help:      "Current number of running install pipelines",
			},
		),
	}

	registry.MustRegister(
		m.installsStarted,
		m.installsCompleted,
		m.installDuration,
		m.phaseDuration,
		m.phaseFailures,
		m.bootstrapRuns,
		m.fetchCache,
		m.patchesApplied,
		m.policyDenials,
		m.activeInstalls,
	)
	return m
}

// RecordInstallStarted counts a started run.
func (m *Metrics) RecordInstallStarted(pkg string) {
	if m == nil || m.installsStarted == nil {
		return
	}
	m.installsStarted.WithLabelValues(pkg).Inc()
	m.activeInstalls.Inc()
}

// RecordInstallCompleted counts a finished run with its final state.
func (m *Metrics) RecordInstallCompleted(pkg, state string, duration time.Duration) {
	if m == nil || m.installsCompleted == nil {
		return
	}
	m.installsCompleted.WithLabelValues(pkg, state).Inc()
	m.installDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.activeInstalls.Dec()
}

// RecordPhase observes one phase duration and, on failure, its error class.
func (m *Metrics) RecordPhase(phase string, duration time.Duration, failedClass string) {
	if m == nil || m.phaseDuration == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
	if failedClass != "" {
		m.phaseFailures.WithLabelValues(phase, failedClass).Inc()
	}
}

// RecordBootstrap counts a bootstrap check outcome.
func (m *Metrics) RecordBootstrap(outcome string) {
	if m == nil || m.bootstrapRuns == nil {
		return
	}
	m.bootstrapRuns.WithLabelValues(outcome).Inc()
}

// RecordFetch counts a fetch by cache result.
func (m *Metrics) RecordFetch(cached bool) {
	if m == nil || m.fetchCache == nil {
		return
	}
	result := "miss"
	if cached {
		result = "hit"
	}
	m.fetchCache.WithLabelValues(result).Inc()
}

// RecordPatches adds n applied patch rules.
func (m *Metrics) RecordPatches(n int) {
	if m == nil || m.patchesApplied == nil {
		return
	}
	m.patchesApplied.Add(float64(n))
}

// RecordPolicyDenial counts a denial by policy name.
func (m *Metrics) RecordPolicyDenial(policy string) {
	if m == nil || m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(policy).Inc()
}

// Timer measures elapsed time.
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes metrics on the configured address until ctx is done.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
