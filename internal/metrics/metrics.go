// Package metrics counts what a conversion run did and exports the
// counters in the Prometheus text format.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Metrics holds the run counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	mainRowsTotal        *prometheus.CounterVec // outcome: done, rejected, failed
	rowErrorsTotal       *prometheus.CounterVec // kind: io, truncated, ...
	factRowsTotal        *prometheus.CounterVec // variant
	slicesTotal          prometheus.Counter
	skippedDataDescTotal prometheus.Counter
	rowDurationSeconds   prometheus.Histogram
	runDurationSeconds   prometheus.Gauge
	runStartTimestamp    prometheus.Gauge

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics instance.
func Get() *Metrics {
	once.Do(func() {
		m, err := New(prometheus.NewRegistry(), zerolog.Nop())
		if err != nil {
			panic(fmt.Sprintf("metrics: %v", err))
		}
		instance = m
	})
	return instance
}

// New creates the counters and registers them on registry.
func New(registry *prometheus.Registry, logger zerolog.Logger) (*Metrics, error) {
	m := &Metrics{
		registry: registry,
		logger:   logger.With().Str("component", "metrics").Logger(),
	}

	m.mainRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "asdm2ms_main_rows_total",
		Help: "Main rows processed, by outcome",
	}, []string{"outcome"})

	m.rowErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "asdm2ms_row_errors_total",
		Help: "Main rows that failed, by error kind",
	}, []string{"kind"})

	m.factRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "asdm2ms_fact_rows_total",
		Help: "MAIN table rows written, by output variant",
	}, []string{"variant"})

	m.slicesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "asdm2ms_slices_total",
		Help: "Binary data slices expanded",
	})

	m.skippedDataDescTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "asdm2ms_skipped_data_descriptions_total",
		Help: "Data descriptions skipped because their shape did not match the binary data",
	})

	m.rowDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "asdm2ms_row_duration_seconds",
		Help:    "Time taken to expand and write one Main row",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
	})

	m.runDurationSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "asdm2ms_run_duration_seconds",
		Help: "Wall time of the last conversion run",
	})

	m.runStartTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "asdm2ms_run_start_timestamp_seconds",
		Help: "Unix time the last conversion run started",
	})

	for _, c := range []prometheus.Collector{
		m.mainRowsTotal, m.rowErrorsTotal, m.factRowsTotal, m.slicesTotal,
		m.skippedDataDescTotal, m.rowDurationSeconds, m.runDurationSeconds, m.runStartTimestamp,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the registry the counters live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncMainRows(outcome string)        { m.mainRowsTotal.WithLabelValues(outcome).Inc() }
func (m *Metrics) IncRowErrors(kind string)          { m.rowErrorsTotal.WithLabelValues(kind).Inc() }
func (m *Metrics) AddFactRows(variant string, n int) { m.factRowsTotal.WithLabelValues(variant).Add(float64(n)) }
func (m *Metrics) AddSlices(n int)                   { m.slicesTotal.Add(float64(n)) }
func (m *Metrics) AddSkippedDataDescriptions(n int)  { m.skippedDataDescTotal.Add(float64(n)) }

// ObserveRow records the duration of one Main row.
func (m *Metrics) ObserveRow(d time.Duration) {
	m.rowDurationSeconds.Observe(d.Seconds())
}

// RunStarted records the start of a run.
func (m *Metrics) RunStarted(t time.Time) {
	m.runStartTimestamp.Set(float64(t.Unix()))
}

// RunFinished records the duration of a run.
func (m *Metrics) RunFinished(d time.Duration) {
	m.runDurationSeconds.Set(d.Seconds())
}

// WriteTextfile writes all counters to path in the Prometheus text
// format, for pickup by node_exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	m.logger.Debug().Str("path", path).Msg("Wrote metrics textfile")
	return nil
}
