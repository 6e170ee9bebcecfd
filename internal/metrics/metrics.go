// Package metrics exposes Prometheus instruments for provisioning and
// connection routing.
//
// A nil *Metrics is valid and records nothing, so components accept it as
// an optional dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Provisioning metrics
	ProvisionsTotal   *prometheus.CounterVec
	ProvisionDuration prometheus.Histogram
	ReadinessAttempts prometheus.Histogram

	// Port metrics
	PortsLeased prometheus.Gauge

	// Migration metrics
	MigrationsTotal *prometheus.CounterVec

	// Routing metrics
	ResolveTotal  *prometheus.CounterVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	OpenPools     prometheus.Gauge
	TenantsActive prometheus.Gauge
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ProvisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantbox_provisions_total",
				Help: "Total number of tenant provisioning attempts",
			},
			[]string{"result"},
		),

		ProvisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantbox_provision_duration_seconds",
				Help:    "Duration of tenant provisioning, container start to registry insert",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
		),

		ReadinessAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantbox_readiness_attempts",
				Help:    "Number of probes until a tenant database accepted connections",
				Buckets: prometheus.LinearBuckets(1, 5, 12),
			},
		),

		PortsLeased: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantbox_ports_leased",
				Help: "Number of host ports currently leased to tenant containers",
			},
		),

		MigrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantbox_migrations_total",
				Help: "Total number of per-tenant migration runs",
			},
			[]string{"result"},
		),

		ResolveTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantbox_resolve_total",
				Help: "Total number of domain to tenant resolutions",
			},
			[]string{"result"},
		),

		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantbox_connection_cache_hits_total",
				Help: "Total number of connection cache hits",
			},
		),

		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantbox_connection_cache_misses_total",
				Help: "Total number of connection cache misses",
			},
		),

		OpenPools: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantbox_connection_pools_open",
				Help: "Number of open tenant connection pools",
			},
		),

		TenantsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantbox_tenants",
				Help: "Number of registered tenants",
			},
		),
	}
}

// RecordProvision records the outcome of one provisioning attempt.
func (m *Metrics) RecordProvision(result string, seconds float64) {
	if m == nil {
		return
	}
	m.ProvisionsTotal.WithLabelValues(result).Inc()
	if result == "success" {
		m.ProvisionDuration.Observe(seconds)
	}
}

// RecordReadiness records how many attempts readiness took.
func (m *Metrics) RecordReadiness(attempts int) {
	if m == nil {
		return
	}
	m.ReadinessAttempts.Observe(float64(attempts))
}

// SetPortsLeased updates the leased port gauge.
func (m *Metrics) SetPortsLeased(n int) {
	if m == nil {
		return
	}
	m.PortsLeased.Set(float64(n))
}

// RecordMigration records one tenant's migration run.
func (m *Metrics) RecordMigration(result string) {
	if m == nil {
		return
	}
	m.MigrationsTotal.WithLabelValues(result).Inc()
}

// RecordResolve records a routing lookup ("hit", "not_found", "error").
func (m *Metrics) RecordResolve(result string) {
	if m == nil {
		return
	}
	m.ResolveTotal.WithLabelValues(result).Inc()
}

// RecordCacheHit records a connection cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// RecordCacheMiss records a connection cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// SetOpenPools updates the open pool gauge.
func (m *Metrics) SetOpenPools(n int) {
	if m == nil {
		return
	}
	m.OpenPools.Set(float64(n))
}

// SetTenants updates the registered tenant gauge.
func (m *Metrics) SetTenants(n int) {
	if m == nil {
		return
	}
	m.TenantsActive.Set(float64(n))
}
