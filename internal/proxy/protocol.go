// Package proxy exposes collected market data to downstream consumers over a
// websocket fan-out server with per-client subscription filtering.
package proxy

import (
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
)

// Close codes the server uses beyond the RFC set.
const (
	// CloseCapacity tells the client the server is at its connection limit.
	CloseCapacity = websocket.StatusTryAgainLater // 1013
	// CloseSlowConsumer is sent when a client's outbound queue overflows.
	CloseSlowConsumer websocket.StatusCode = 4000
	// ClosePongMissing is sent when a client stops answering pings.
	ClosePongMissing websocket.StatusCode = 4001
)

// Inbound message types.
const (
	MsgPing        = "ping"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgGetStats    = "getStats"
)

// Outbound message types.
const (
	MsgWelcome      = "welcome"
	MsgPong         = "pong"
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgStats        = "stats"
	MsgData         = "data"
	MsgError        = "error"
)

// Envelope is the frame shape shared by both directions of the browser
// socket. Payload stays raw on the inbound side so each handler decodes
// only the shape it expects.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// outEnvelope is the marshal-side counterpart of Envelope.
type outEnvelope struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Filter narrows the records a client receives. Empty dimensions match
// everything; an all-empty filter is a broadcast subscription. Data types
// may be given as the collapsed "kline" bucket.
type Filter struct {
	Exchanges []string `json:"exchange,omitempty"`
	Symbols   []string `json:"symbols,omitempty"`
	DataTypes []string `json:"dataTypes,omitempty"`
}

// WelcomePayload greets a freshly accepted client.
type WelcomePayload struct {
	ClientID   string `json:"clientId"`
	ServerTime int64  `json:"serverTime"`
	Version    string `json:"version"`
}

// SubscribedPayload acknowledges a subscribe with the filter's assigned id.
type SubscribedPayload struct {
	FilterID string `json:"filterId"`
	Filter   Filter `json:"filter"`
}

// UnsubscribePayload selects one filter to drop; absent means all.
type UnsubscribePayload struct {
	FilterID string `json:"filterId,omitempty"`
}

// UnsubscribedPayload echoes which filter was dropped.
type UnsubscribedPayload struct {
	FilterID string `json:"filterId,omitempty"`
}

// ErrorPayload carries a server-side failure description.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StatsPayload is the reply to getStats.
type StatsPayload struct {
	Connection   ConnectionStats   `json:"connection"`
	Subscription SubscriptionStats `json:"subscription"`
	Health       HealthStats       `json:"health"`
	Pool         PoolStats         `json:"pool"`
}

// ConnectionStats describes the accept-side state of the server.
type ConnectionStats struct {
	Clients       int   `json:"clients"`
	MaxClients    int   `json:"maxClients"`
	UptimeSeconds int64 `json:"uptimeSeconds"`
}

// SubscriptionStats describes the filter index.
type SubscriptionStats struct {
	Filters           int `json:"filters"`
	SubscribedClients int `json:"subscribedClients"`
}

// HealthStats carries cumulative delivery counters.
type HealthStats struct {
	Forwarded        int64 `json:"forwarded"`
	Dropped          int64 `json:"dropped"`
	ServerTimeMillis int64 `json:"serverTimeMillis"`
}

// PoolStats describes the per-client outbound queues.
type PoolStats struct {
	QueueCapacity int `json:"queueCapacity"`
	QueuedTotal   int `json:"queuedTotal"`
}

func serverTime(now time.Time) int64 { return now.UnixMilli() }
