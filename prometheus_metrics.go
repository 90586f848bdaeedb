package docstore

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
// The package's metric name constants are pre-registered with appropriate
// types and buckets; unknown names are registered on first use.
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
	registerer prometheus.Registerer
}

// NewPrometheusMetrics creates a new Prometheus metrics instance. A nil
// registerer uses the default Prometheus registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
		registerer: registerer,
	}

	pm.registerDefaultMetrics()
	return pm
}

var durationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

func (p *PrometheusMetrics) registerDefaultMetrics() {
	counters := map[string]string{
		MetricBlobMisses:   "Index entries whose blob object was missing during query",
		MetricUpdateErrors: "Failed update batches",
	}
	for name, help := range counters {
		p.counters[name] = promauto.With(p.registerer).NewCounter(prometheus.CounterOpts{
			Name: metricName(name) + "_total",
			Help: help,
		})
	}

	durations := map[string]string{
		MetricQueryDuration:   "Query execution duration in seconds",
		MetricUpdateDuration:  "Update batch duration in seconds",
		MetricRemoveDuration:  "Remove duration in seconds",
		MetricBlobPutDuration: "Per-object blob write duration in seconds",
		MetricBlobGetDuration: "Per-object blob read duration in seconds",
	}
	for name, help := range durations {
		p.histograms[name] = promauto.With(p.registerer).NewHistogram(prometheus.HistogramOpts{
			Name:    metricName(name) + "_seconds",
			Help:    help,
			Buckets: durationBuckets,
		})
	}

	sizes := map[string]struct {
		help    string
		buckets []float64
	}{
		MetricQueryResults:   {"Documents yielded per query", prometheus.ExponentialBuckets(1, 4, 10)},
		MetricUpdateDocs:     {"Documents per update batch", prometheus.ExponentialBuckets(1, 4, 10)},
		MetricBlobPutBytes:   {"Serialized blob object size in bytes", prometheus.ExponentialBuckets(256, 4, 10)},
		MetricBlobDeletes:    {"Keys per bulk blob delete call", prometheus.ExponentialBuckets(1, 4, 8)},
		MetricRebuildEntries: {"Index entries upserted per rebuild page", prometheus.ExponentialBuckets(1, 4, 8)},
	}
	for name, def := range sizes {
		p.histograms[name] = promauto.With(p.registerer).NewHistogram(prometheus.HistogramOpts{
			Name:    metricName(name),
			Help:    def.help,
			Buckets: def.buckets,
		})
	}
}

// metricName turns a dotted package metric name into a Prometheus-safe one
func metricName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registerer).NewCounter(prometheus.CounterOpts{
			Name: metricName(name) + "_total",
			Help: "Counter " + name,
		})
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registerer).NewGauge(prometheus.GaugeOpts{
			Name: metricName(name),
			Help: "Gauge " + name,
		})
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registerer).NewHistogram(prometheus.HistogramOpts{
			Name:    metricName(name),
			Help:    "Histogram " + name,
			Buckets: prometheus.DefBuckets,
		})
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}
