package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Meteo-X/pixiu-sub007/internal/observability"
)

// Collector adapts an OpenTelemetry meter to the observability.Metrics
// interface. Instruments are created lazily on first use and cached by name.
type Collector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

var _ observability.Metrics = (*Collector)(nil)

// NewCollector wraps meter as a metrics sink for the collector runtime.
func NewCollector(meter metric.Meter) *Collector {
	c := new(Collector)
	c.meter = meter
	c.counters = make(map[string]metric.Float64Counter)
	c.gauges = make(map[string]metric.Float64Gauge)
	c.histograms = make(map[string]metric.Float64Histogram)
	return c
}

// IncCounter adds value to the named counter.
func (c *Collector) IncCounter(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	inst, ok := c.counters[name]
	if !ok {
		var err error
		inst, err = c.meter.Float64Counter(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		c.counters[name] = inst
	}
	c.mu.Unlock()
	inst.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// ObserveHistogram records value into the named histogram.
func (c *Collector) ObserveHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	inst, ok := c.histograms[name]
	if !ok {
		var err error
		inst, err = c.meter.Float64Histogram(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		c.histograms[name] = inst
	}
	c.mu.Unlock()
	inst.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// SetGauge stores the latest value for the named gauge.
func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	inst, ok := c.gauges[name]
	if !ok {
		var err error
		inst, err = c.meter.Float64Gauge(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		c.gauges[name] = inst
	}
	c.mu.Unlock()
	inst.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
