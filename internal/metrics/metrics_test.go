package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := New(prometheus.NewRegistry(), zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.IncMainRows("done")
	m.IncMainRows("done")
	m.IncMainRows("rejected")
	m.IncRowErrors("truncated")
	m.AddFactRows("uncorrected", 12)
	m.AddFactRows("corrected", 6)
	m.AddSlices(3)
	m.AddSkippedDataDescriptions(1)
	m.ObserveRow(20 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.mainRowsTotal.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mainRowsTotal.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rowErrorsTotal.WithLabelValues("truncated")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.factRowsTotal.WithLabelValues("uncorrected")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.slicesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skippedDataDescTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.rowDurationSeconds))
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, zerolog.Nop())
	require.NoError(t, err)
	_, err = New(reg, zerolog.Nop())
	assert.Error(t, err)
}

func TestWriteTextfile(t *testing.T) {
	m := newTestMetrics(t)
	m.AddFactRows("uncorrected", 7)
	m.RunFinished(1500 * time.Millisecond)

	path := filepath.Join(t.TempDir(), "asdm2ms.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `asdm2ms_fact_rows_total{variant="uncorrected"} 7`)
	assert.Contains(t, string(data), "asdm2ms_run_duration_seconds 1.5")
}
