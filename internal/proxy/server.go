package proxy

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Meteo-X/pixiu-sub007/internal/observability"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

const (
	defaultMaxClients = 1000
	serverVersion     = "1.0.0"
)

// ServerConfig tunes the proxy server.
type ServerConfig struct {
	MaxClients int `yaml:"max_clients"`
	// OriginPatterns is passed to the websocket accept handshake.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// Server fans collected market data out to websocket clients. It implements
// http.Handler for the /ws endpoint and sinks.Forwarder for the data path.
type Server struct {
	cfg   ServerConfig
	index *SubscriptionIndex

	mu      sync.RWMutex
	clients map[string]*client

	metrics   *Metrics
	clock     func() time.Time
	startedAt time.Time
	forwarded atomic.Int64
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// NewServer builds the proxy server. Instruments register on reg; nil leaves
// them unregistered.
func NewServer(cfg ServerConfig, reg prometheus.Registerer) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	s := new(Server)
	s.cfg = cfg
	s.index = NewSubscriptionIndex()
	s.clients = make(map[string]*client)
	s.metrics = NewMetrics(reg)
	s.clock = time.Now
	s.startedAt = time.Now().UTC()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// ServeHTTP upgrades the request and serves the client until disconnect.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(clientReadLimitBytes)

	if s.ClientCount() >= s.cfg.MaxClients {
		s.metrics.closes.WithLabelValues("1013").Inc()
		_ = conn.Close(CloseCapacity, "server at capacity")
		return
	}

	now := s.clock()
	c := newClient(uuid.NewString(), conn, s, now)
	s.addClient(c)
	defer s.removeClient(c)

	c.send(MsgWelcome, WelcomePayload{
		ClientID:   c.id,
		ServerTime: serverTime(now),
		Version:    serverVersion,
	})
	observability.Log().Info("proxy client connected",
		observability.Field{Key: "client_id", Value: c.id},
		observability.Field{Key: "clients", Value: s.ClientCount()})

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.conns.Add(1)
	go func() {
		defer s.conns.Done()
		defer cancel()
		c.writePump(ctx)
	}()
	c.readPump(ctx)
	c.closeWith(websocket.StatusNormalClosure, "")
}

// Forward delivers one record to every client whose filters match. The record
// is serialized once and the bytes shared across clients.
func (s *Server) Forward(record *schema.MarketData) {
	matched := s.index.Match(record)
	if len(matched) == 0 {
		return
	}
	s.metrics.matchedSize.Observe(float64(len(matched)))

	payload, err := json.Marshal(outEnvelope{
		Type:      MsgData,
		Payload:   record,
		Timestamp: serverTime(s.clock()),
	})
	if err != nil {
		s.dropped.Add(1)
		s.metrics.dropped.WithLabelValues("marshal").Inc()
		return
	}

	s.mu.RLock()
	targets := make([]*client, 0, len(matched))
	for _, id := range matched {
		if c, ok := s.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if c.enqueue(payload) {
			s.forwarded.Add(1)
			s.metrics.forwarded.Inc()
		} else {
			s.dropped.Add(1)
		}
	}
}

// Close disconnects every client and stops accepting work.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.closeWith(websocket.StatusGoingAway, "server shutting down")
	}
	s.conns.Wait()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()
	s.metrics.clients.Set(float64(count))
}

func (s *Server) removeClient(c *client) {
	s.index.RemoveClient(c.id)
	s.mu.Lock()
	delete(s.clients, c.id)
	count := len(s.clients)
	s.mu.Unlock()
	s.metrics.clients.Set(float64(count))
	observability.Log().Info("proxy client disconnected",
		observability.Field{Key: "client_id", Value: c.id},
		observability.Field{Key: "clients", Value: count})
}

func (s *Server) stats() StatsPayload {
	now := s.clock().UTC()

	s.mu.RLock()
	clients := len(s.clients)
	queued := 0
	for _, c := range s.clients {
		queued += len(c.outbound)
	}
	s.mu.RUnlock()

	return StatsPayload{
		Connection: ConnectionStats{
			Clients:       clients,
			MaxClients:    s.cfg.MaxClients,
			UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
		},
		Subscription: SubscriptionStats{
			Filters:           s.index.FilterCount(),
			SubscribedClients: s.index.ClientCount(),
		},
		Health: HealthStats{
			Forwarded:        s.forwarded.Load(),
			Dropped:          s.dropped.Load(),
			ServerTimeMillis: serverTime(now),
		},
		Pool: PoolStats{
			QueueCapacity: clientQueueSize,
			QueuedTotal:   queued,
		},
	}
}
