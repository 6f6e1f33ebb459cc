package observability

import "sync"

// Metrics provides counter, gauge, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// MemoryMetrics accumulates metric values in-memory; used by tests and as a
// last-resort collector when telemetry is disabled.
type MemoryMetrics struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewMemoryMetrics constructs an in-memory metrics accumulator.
func NewMemoryMetrics() *MemoryMetrics {
	m := new(MemoryMetrics)
	m.counters = make(map[string]float64)
	m.gauges = make(map[string]float64)
	m.histograms = make(map[string][]float64)
	return m
}

// IncCounter adds value to the named counter.
func (m *MemoryMetrics) IncCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	m.counters[metricKey(name, labels)] += value
	m.mu.Unlock()
}

// ObserveHistogram appends value to the named histogram series.
func (m *MemoryMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	key := metricKey(name, labels)
	m.histograms[key] = append(m.histograms[key], value)
	m.mu.Unlock()
}

// SetGauge stores the latest value for the named gauge.
func (m *MemoryMetrics) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	m.gauges[metricKey(name, labels)] = value
	m.mu.Unlock()
}

// Counter returns the accumulated value for the name/label combination.
func (m *MemoryMetrics) Counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[metricKey(name, labels)]
}

// Gauge returns the latest value for the name/label combination.
func (m *MemoryMetrics) Gauge(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[metricKey(name, labels)]
}

// HistogramCount returns the number of recorded observations.
func (m *MemoryMetrics) HistogramCount(name string, labels map[string]string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.histograms[metricKey(name, labels)])
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	key := name
	// Label sets on hot paths are tiny; deterministic ordering matters more
	// than allocation count here.
	for _, lk := range sortedKeys(labels) {
		key += "|" + lk + "=" + labels[lk]
	}
	return key
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
