// Package metrics exposes Prometheus collectors for ingestion runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Runs          *prometheus.CounterVec
	Records       *prometheus.CounterVec
	Fallbacks     prometheus.Counter
	RunDuration   prometheus.Histogram
	LastSuccessAt prometheus.Gauge
}

// RunStats is the per-run summary recorded by ObserveRun.
type RunStats struct {
	Strategy    string
	Fetched     int
	ParseErrors int
	Invalid     int
	Duplicates  int
	Inserted    int
	Updated     int
	Failed      int
	Fallback    bool
	Duration    time.Duration
}

// New creates a Metrics instance with its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leezen_ingest_runs_total",
			Help: "Ingestion runs by outcome",
		}, []string{"outcome"}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leezen_ingest_records_total",
			Help: "Records seen by ingestion, by disposition",
		}, []string{"disposition"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leezen_ingest_fallbacks_total",
			Help: "Runs that fell back to per-record upserts",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "leezen_ingest_run_duration_seconds",
			Help:    "Wall time of an ingestion run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		LastSuccessAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leezen_ingest_last_success_timestamp_seconds",
			Help: "Unix time of the last successful ingestion run",
		}),
	}

	m.registry.MustRegister(
		m.Runs, m.Records, m.Fallbacks, m.RunDuration, m.LastSuccessAt,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRun records the outcome of a completed ingestion run.
func (m *Metrics) ObserveRun(s RunStats) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues("success").Inc()
	m.Records.WithLabelValues("fetched").Add(float64(s.Fetched))
	m.Records.WithLabelValues("parse_error").Add(float64(s.ParseErrors))
	m.Records.WithLabelValues("invalid").Add(float64(s.Invalid))
	m.Records.WithLabelValues("duplicate").Add(float64(s.Duplicates))
	m.Records.WithLabelValues("inserted").Add(float64(s.Inserted))
	m.Records.WithLabelValues("updated").Add(float64(s.Updated))
	m.Records.WithLabelValues("failed").Add(float64(s.Failed))
	if s.Fallback {
		m.Fallbacks.Inc()
	}
	m.RunDuration.Observe(s.Duration.Seconds())
	m.LastSuccessAt.SetToCurrentTime()
}

// ObserveFailure records a run that failed before any record was processed.
func (m *Metrics) ObserveFailure(reason string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(reason).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
