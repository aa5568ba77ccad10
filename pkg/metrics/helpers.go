package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NewCounter creates a new Counter metric with the given options
func NewCounter(namespace, subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewCounterVec creates a new CounterVec metric with the given options
func NewCounterVec(namespace, subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewGauge creates a new Gauge metric with the given options
func NewGauge(namespace, subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewGaugeVec creates a new GaugeVec metric with the given options
func NewGaugeVec(namespace, subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewHistogram creates a new Histogram metric with the given options
func NewHistogram(namespace, subsystem, name, help string, buckets []float64) prometheus.Histogram {
	opts := prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}
	if len(buckets) > 0 {
		opts.Buckets = buckets
	}
	return prometheus.NewHistogram(opts)
}
