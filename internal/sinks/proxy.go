package sinks

import (
	"context"
	"time"

	"github.com/Meteo-X/pixiu-sub007/internal/dataflow"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

// Forwarder pushes records to connected proxy clients.
type Forwarder interface {
	Forward(record *schema.MarketData)
}

// ProxySink hands records to the websocket proxy hub. Fan-out is fire and
// forget: slow clients are the proxy's problem, so Write never fails.
type ProxySink struct {
	id        string
	forwarder Forwarder
}

// NewProxySink wires the sink to the proxy hub.
func NewProxySink(id string, forwarder Forwarder) *ProxySink {
	return &ProxySink{id: id, forwarder: forwarder}
}

// ID implements dataflow.Sink.
func (s *ProxySink) ID() string { return s.id }

// Write implements dataflow.Sink.
func (s *ProxySink) Write(_ context.Context, batch []*schema.MarketData) error {
	for _, record := range batch {
		s.forwarder.Forward(record)
	}
	return nil
}

// Health implements dataflow.Sink.
func (s *ProxySink) Health() dataflow.SinkHealth {
	return dataflow.SinkHealth{Status: dataflow.HealthHealthy, CheckedAt: time.Now().UTC()}
}

// Close implements dataflow.Sink. The proxy server owns its own shutdown.
func (s *ProxySink) Close(context.Context) error { return nil }
