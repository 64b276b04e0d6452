package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObservePropagation("ACTIVATION", "ok")
	m.ObservePropagation("ACTIVATION", "ok")
	m.ObserveCommission(1, 40000)
	m.ObserveForfeit(2)
	m.ObserveTransition("FREE", "PENDING")
	m.ObserveRequest("GET", "/healthz", 200, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Propagations.WithLabelValues("ACTIVATION", "ok")))
	assert.Equal(t, 40000.0, testutil.ToFloat64(m.CommissionAmount.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForfeitedLevels.WithLabelValues("2")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObservePropagation("EARNING", "ok")
	m.ObserveCommission(1, 1)
	m.ObserveForfeit(1)
	m.ObserveTransition("FREE", "PENDING")
	m.ObserveRequest("GET", "/", 200, time.Millisecond)
}
