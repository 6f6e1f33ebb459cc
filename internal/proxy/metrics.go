package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics carries the proxy's prometheus instruments.
type Metrics struct {
	clients     prometheus.Gauge
	forwarded   prometheus.Counter
	dropped     *prometheus.CounterVec
	closes      *prometheus.CounterVec
	queueDepth  prometheus.Histogram
	matchedSize prometheus.Histogram
}

// NewMetrics registers the proxy instruments on the registerer. A nil
// registerer leaves the instruments unregistered, which suits tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := new(Metrics)
	m.clients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixiu", Subsystem: "proxy",
		Name: "clients", Help: "Connected websocket clients.",
	})
	m.forwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pixiu", Subsystem: "proxy",
		Name: "forwarded_total", Help: "Records forwarded to clients.",
	})
	m.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixiu", Subsystem: "proxy",
		Name: "dropped_total", Help: "Records dropped before delivery.",
	}, []string{"reason"})
	m.closes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixiu", Subsystem: "proxy",
		Name: "closes_total", Help: "Client closes by close code.",
	}, []string{"code"})
	m.queueDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pixiu", Subsystem: "proxy",
		Name: "outbound_queue_depth", Help: "Outbound queue depth sampled at enqueue.",
		Buckets: prometheus.LinearBuckets(0, 32, 9),
	})
	m.matchedSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pixiu", Subsystem: "proxy",
		Name: "matched_clients", Help: "Clients matched per forwarded record.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	if reg != nil {
		reg.MustRegister(m.clients, m.forwarded, m.dropped, m.closes, m.queueDepth, m.matchedSize)
	}
	return m
}
