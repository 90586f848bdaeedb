package docstore

import (
	"sync"
	"time"
)

// Metrics provides observability for store operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing. Safe for
// concurrent use; Update's blob writers record from multiple goroutines.
type InMemoryMetrics struct {
	mu         sync.Mutex
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], duration)
}

// Common metric names
const (
	MetricQueryDuration   = "docstore.query.duration"
	MetricQueryResults    = "docstore.query.results"
	MetricUpdateDuration  = "docstore.update.duration"
	MetricUpdateDocs      = "docstore.update.docs"
	MetricUpdateErrors    = "docstore.update.errors"
	MetricRemoveDuration  = "docstore.remove.duration"
	MetricBlobPutDuration = "docstore.blob.put.duration"
	MetricBlobPutBytes    = "docstore.blob.put.bytes"
	MetricBlobGetDuration = "docstore.blob.get.duration"
	MetricBlobMisses      = "docstore.blob.misses"
	MetricBlobDeletes     = "docstore.blob.deletes"
	MetricRebuildEntries  = "docstore.rebuild.entries"
)
