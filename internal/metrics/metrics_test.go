package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordProvision("success", 12.5)
	m.RecordProvision("failure", 0)
	m.RecordMigration("failure")
	m.RecordResolve("not_found")
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheMiss()
	m.SetPortsLeased(3)
	m.SetOpenPools(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProvisionsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProvisionsTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MigrationsTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolveTotal.WithLabelValues("not_found")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheMisses))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PortsLeased))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OpenPools))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

// TestMetrics_NilSafe verifies that a nil *Metrics can be passed around
// as "metrics disabled".
func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordProvision("success", 1)
		m.RecordReadiness(3)
		m.SetPortsLeased(1)
		m.RecordMigration("success")
		m.RecordResolve("hit")
		m.RecordCacheHit()
		m.RecordCacheMiss()
		m.SetOpenPools(1)
		m.SetTenants(1)
	})
}
