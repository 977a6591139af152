package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "archivectl"

// Metrics holds the pass metrics on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Records           *prometheus.CounterVec
	RecordErrors      *prometheus.CounterVec
	PassDuration      *prometheus.HistogramVec
	IndexDeclarations *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records visited by a pass, by outcome.",
		}, []string{"pass", "outcome"}),
		RecordErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_errors_total",
			Help:      "Per-record failures, by pass.",
		}, []string{"pass"}),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a pass.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"pass"}),
		IndexDeclarations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_declarations_total",
			Help:      "Index declarations, by outcome.",
		}, []string{"outcome"}),
	}
	m.Registry.MustRegister(m.Records, m.RecordErrors, m.PassDuration, m.IndexDeclarations)
	return m
}

func (m *Metrics) ObserveRecord(pass, outcome string) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(pass, outcome).Inc()
}

func (m *Metrics) ObserveError(pass string) {
	if m == nil {
		return
	}
	m.RecordErrors.WithLabelValues(pass).Inc()
}

func (m *Metrics) ObservePass(pass string, d time.Duration) {
	if m == nil {
		return
	}
	m.PassDuration.WithLabelValues(pass).Observe(d.Seconds())
}

func (m *Metrics) ObserveIndex(outcome string) {
	if m == nil {
		return
	}
	m.IndexDeclarations.WithLabelValues(outcome).Inc()
}

// WriteFile writes the registry in text exposition format, for node_exporter's
// textfile collector.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
