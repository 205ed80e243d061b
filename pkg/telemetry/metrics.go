package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides the Prometheus collectors for reconciliation, history,
// status analysis and the fetch pool. A disabled instance records nothing.
// It implements engine.Metrics and fetch.PoolMetrics.
type Metrics struct {
	config MetricsConfig

	reconciliations    *prometheus.CounterVec
	newFeatures        prometheus.Counter
	duplicatesResolved prometheus.Counter
	activities         *prometheus.CounterVec
	installDuration    prometheus.Histogram
	evictions          prometheus.Counter
	statusEvaluations  *prometheus.CounterVec
	fetchInflight      prometheus.Gauge
	fetchRejections    prometheus.Counter

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Total number of reconciliations by result",
			},
			[]string{"result"},
		),
		newFeatures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "features_new_total",
			Help:      "Features discovered during reconciliation that no snapshot knew",
		}),
		duplicatesResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_resolved_total",
			Help:      "Configured duplicates unconfigured in favour of the latest version",
		}),
		activities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activities_total",
				Help:      "Recorded activities by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		installDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "install_duration_seconds",
			Help:      "Duration of feature install transactions in seconds",
			Buckets:   buckets,
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_evictions_total",
			Help:      "Snapshots evicted from the bounded history",
		}),
		statusEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_evaluations_total",
				Help:      "Feature status evaluations by resulting status",
			},
			[]string{"status"},
		),
		fetchInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_inflight",
			Help:      "Remote fetches currently holding a pool slot",
		}),
		fetchRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_rejections_total",
			Help:      "Fetches rejected because the pool was at capacity",
		}),
	}

	collectors := []prometheus.Collector{
		m.reconciliations, m.newFeatures, m.duplicatesResolved, m.activities,
		m.installDuration, m.evictions, m.statusEvaluations,
		m.fetchInflight, m.fetchRejections,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordReconciliation counts one reconciliation.
func (m *Metrics) RecordReconciliation(result string) {
	if m.enabled() {
		m.reconciliations.WithLabelValues(result).Inc()
	}
}

// AddNewFeatures counts features new to every snapshot.
func (m *Metrics) AddNewFeatures(n int) {
	if m.enabled() && n > 0 {
		m.newFeatures.Add(float64(n))
	}
}

// AddDuplicatesResolved counts resolved duplicate versions.
func (m *Metrics) AddDuplicatesResolved(n int) {
	if m.enabled() && n > 0 {
		m.duplicatesResolved.Add(float64(n))
	}
}

// RecordActivity counts one recorded activity.
func (m *Metrics) RecordActivity(action, outcome string) {
	if m.enabled() {
		m.activities.WithLabelValues(action, outcome).Inc()
	}
}

// ObserveInstall records the duration of an install transaction.
func (m *Metrics) ObserveInstall(d time.Duration) {
	if m.enabled() {
		m.installDuration.Observe(d.Seconds())
	}
}

// RecordEviction counts evicted history entries.
func (m *Metrics) RecordEviction(n int) {
	if m.enabled() && n > 0 {
		m.evictions.Add(float64(n))
	}
}

// RecordStatus counts one status evaluation.
func (m *Metrics) RecordStatus(status string) {
	if m.enabled() {
		m.statusEvaluations.WithLabelValues(status).Inc()
	}
}

// SetFetchInflight reports the pool's in-flight count.
func (m *Metrics) SetFetchInflight(n int) {
	if m.enabled() {
		m.fetchInflight.Set(float64(n))
	}
}

// RecordFetchRejection counts a capacity rejection.
func (m *Metrics) RecordFetchRejection() {
	if m.enabled() {
		m.fetchRejections.Inc()
	}
}

// Registry returns the collector registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
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

// StartMetricsServer serves metrics on the configured address. It returns
// the bound address; nothing is served when metrics are disabled or no
// address is configured.
func (m *Metrics) StartMetricsServer() (string, error) {
	if !m.enabled() || m.config.ListenAddress == "" {
		return "", nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return ln.Addr().String(), nil
}

// Shutdown stops the metrics server if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
