// Package dataflow moves normalised market data from the ingest side to the
// configured sinks through a transform and routing pipeline.
package dataflow

import (
	"context"
	"time"

	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

// HealthStatus grades a sink's ability to accept writes.
type HealthStatus string

const (
	// HealthHealthy means writes are succeeding.
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded means writes succeed but with retries or elevated latency.
	HealthDegraded HealthStatus = "degraded"
	// HealthUnhealthy means writes are failing.
	HealthUnhealthy HealthStatus = "unhealthy"
)

// SinkHealth is a point-in-time sink health report.
type SinkHealth struct {
	Status    HealthStatus
	Detail    string
	CheckedAt time.Time
}

// Sink consumes batches of market data records.
type Sink interface {
	// ID uniquely names the sink within the engine.
	ID() string
	// Write delivers one batch. The engine retries transient failures;
	// permanent failures must be marked with the sink-permanent error kind.
	Write(ctx context.Context, batch []*schema.MarketData) error
	// Health reports current delivery health.
	Health() SinkHealth
	// Close releases sink resources after the engine drains.
	Close(ctx context.Context) error
}
