package obsmetrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSyncIncrementsCountersByMapping(t *testing.T) {
	r := New()

	r.ObserveSync("mysql_prod.orders", true, 1.5, 10, 1, 2048, 0)
	r.ObserveSync("mysql_prod.orders", false, 0.2, 0, 0, 0, 3)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.SyncsTotal.WithLabelValues("mysql_prod.orders", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.SyncsTotal.WithLabelValues("mysql_prod.orders", "error")))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.UploadRetries.WithLabelValues("mysql_prod.orders")))
	assert.Equal(t, float64(10), testutil.ToFloat64(r.RowsExtracted.WithLabelValues("mysql_prod.orders")))
}

func TestSetMappingsRunningUpdatesGauge(t *testing.T) {
	r := New()
	r.SetMappingsRunning(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(r.MappingsRunning))
	r.SetMappingsRunning(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(r.MappingsRunning))
}

func TestGatherIncludesDatasnapBridgeNamespace(t *testing.T) {
	r := New()
	r.IncTelemetryDropped()

	families, err := r.Gatherer.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "datasnap_bridge_") {
			found = true
		}
	}
	assert.True(t, found, "expected at least one datasnap_bridge_* metric family")
}
