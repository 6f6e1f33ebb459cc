package proxy

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Meteo-X/pixiu-sub007/internal/observability"
)

const (
	clientQueueSize      = 256
	clientPingInterval   = 30 * time.Second
	clientPongTimeout    = 5 * time.Second
	clientIdleTimeout    = 60 * time.Second
	clientWriteTimeout   = 5 * time.Second
	clientReadLimitBytes = 64 * 1024
)

// client is one connected downstream consumer. A dedicated write pump drains
// the outbound queue so a stalled socket never blocks the fan-out path.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	outbound chan []byte

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
	closeCode    websocket.StatusCode
}

func newClient(id string, conn *websocket.Conn, server *Server, now time.Time) *client {
	c := new(client)
	c.id = id
	c.conn = conn
	c.server = server
	c.outbound = make(chan []byte, clientQueueSize)
	c.lastActivity = now
	return c
}

// enqueue queues a serialized message. Overflow marks the client a slow
// consumer and schedules its close instead of blocking.
func (c *client) enqueue(payload []byte) bool {
	select {
	case c.outbound <- payload:
		c.server.metrics.queueDepth.Observe(float64(len(c.outbound)))
		return true
	default:
		c.server.metrics.dropped.WithLabelValues("slow_consumer").Inc()
		c.closeWith(CloseSlowConsumer, "outbound queue overflow")
		return false
	}
}

func (c *client) send(msgType string, payload any) {
	frame, err := json.Marshal(outEnvelope{
		Type:      msgType,
		Payload:   payload,
		Timestamp: serverTime(c.server.clock()),
	})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (c *client) sendError(message string) {
	c.send(MsgError, ErrorPayload{Message: message})
}

func (c *client) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *client) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// closeWith records the close code once; the pumps notice and exit.
func (c *client) closeWith(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.mu.Unlock()

	c.server.metrics.closes.WithLabelValues(strconv.Itoa(int(code))).Inc()
	_ = c.conn.Close(code, reason)
}

// writePump drains the outbound queue and keeps the client's heartbeat.
func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(clientPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-c.outbound:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, clientWriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				c.closeWith(websocket.StatusNormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			now := c.server.clock()
			if c.idleSince(now) > clientIdleTimeout {
				c.closeWith(websocket.StatusNormalClosure, "idle")
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, clientPongTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.closeWith(ClosePongMissing, "pong missing")
				return
			}
			c.touch(c.server.clock())
		}
	}
}

// readPump consumes protocol messages until the connection dies.
func (c *client) readPump(ctx context.Context) {
	for {
		_, payload, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		c.touch(c.server.clock())

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.sendError("message is not valid JSON")
			continue
		}
		c.handle(env)
	}
}

func (c *client) handle(env Envelope) {
	switch env.Type {
	case MsgPing:
		c.send(MsgPong, nil)
	case MsgSubscribe:
		c.handleSubscribe(env.Payload)
	case MsgUnsubscribe:
		c.handleUnsubscribe(env.Payload)
	case MsgGetStats:
		c.send(MsgStats, c.server.stats())
	default:
		c.sendError("unsupported message type " + env.Type)
	}
}

func (c *client) handleSubscribe(raw json.RawMessage) {
	var filter Filter
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &filter); err != nil {
			c.sendError("malformed subscribe payload")
			return
		}
	}
	filterID := uuid.NewString()
	c.server.index.Add(c.id, filterID, filter)
	c.send(MsgSubscribed, SubscribedPayload{FilterID: filterID, Filter: filter})
	observability.Log().Debug("proxy client subscribed",
		observability.Field{Key: "client_id", Value: c.id},
		observability.Field{Key: "filter_id", Value: filterID})
}

func (c *client) handleUnsubscribe(raw json.RawMessage) {
	var req UnsubscribePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			c.sendError("malformed unsubscribe payload")
			return
		}
	}
	if req.FilterID == "" {
		c.server.index.RemoveClient(c.id)
		c.send(MsgUnsubscribed, UnsubscribedPayload{})
		return
	}
	if !c.server.index.RemoveFilter(c.id, req.FilterID) {
		c.sendError("unknown filter " + req.FilterID)
		return
	}
	c.send(MsgUnsubscribed, UnsubscribedPayload{FilterID: req.FilterID})
}
