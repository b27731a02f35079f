package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ObservationMatched labels identifiers that produced an observation.
const ObservationMatched = "matched"

// Metrics holds the batch counters of a pipeline.
type Metrics struct {
	registry *prometheus.Registry

	series       *prometheus.CounterVec
	observations *prometheus.CounterVec
	assembly     prometheus.Histogram
}

// NewMetrics registers the pipeline metrics on reg. A nil reg gets a fresh
// registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		series: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctslicesto3d_series_total",
			Help: "Series handled, by outcome.",
		}, []string{"outcome"}),
		observations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctslicesto3d_observations_total",
			Help: "Nodule identifiers matched against annotation documents, by result.",
		}, []string{"result"}),
		assembly: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctslicesto3d_assembly_seconds",
			Help:    "Time spent reading and assembling the slices of one series.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}

// WriteTextfile writes the current metric values in the Prometheus text
// format, for collection by the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
