// Package adapters integrates exchange-specific collectors behind a common
// lifecycle and keeps them in a registry for coordinated startup and shutdown.
package adapters

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// Status is the adapter lifecycle stage, exported as a gauge value.
type Status int

const (
	// StatusCreated means the adapter exists but holds no resources.
	StatusCreated Status = iota
	// StatusInitialized means resources are wired and streams registered.
	StatusInitialized
	// StatusRunning means the adapter is collecting.
	StatusRunning
	// StatusStopped means collection halted; Initialize-era wiring remains.
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusInitialized:
		return "initialized"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status in its string form for health reports.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Health is an adapter health report.
type Health struct {
	Status    Status
	Healthy   bool
	Detail    string
	CheckedAt time.Time
}

// Adapter is one exchange collector. Lifecycle methods must be called in
// order; out-of-order calls fail with an invalid-state error.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
	Health(ctx context.Context) Health
}
