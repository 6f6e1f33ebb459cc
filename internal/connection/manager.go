package connection

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/observability"
	"github.com/Meteo-X/pixiu-sub007/internal/subscription"
)

const (
	defaultDialTimeout   = 10 * time.Second
	defaultStartTimeout  = 15 * time.Second
	defaultReadLimit     = 4 * 1024 * 1024
	defaultEventBuffer   = 64
	heartbeatCheckPeriod = 1 * time.Second
	defaultRefreshMinGap = 250 * time.Millisecond
	refreshCloseReason   = "resubscribe"
	shutdownCloseReason  = "shutdown"
)

// EventType labels connection lifecycle events.
type EventType string

const (
	// EventOpen fires after a successful dial.
	EventOpen EventType = "open"
	// EventClosed fires when a session ends.
	EventClosed EventType = "closed"
	// EventError fires on session failures.
	EventError EventType = "error"
	// EventPingReceived fires when the peer pings us.
	EventPingReceived EventType = "ping_received"
	// EventPongSent fires when the transport answers a peer ping.
	EventPongSent EventType = "pong_sent"
	// EventStateChange fires on lifecycle state transitions.
	EventStateChange EventType = "state_change"
)

// Event is a connection lifecycle notification.
type Event struct {
	Type         EventType
	ConnectionID string
	State        State
	Err          error
	At           time.Time
}

// Config tunes the connection manager.
type Config struct {
	Exchange    string                  `yaml:"exchange"`
	BaseURL     string                  `yaml:"base_url"`
	ReadLimit   int64                   `yaml:"read_limit"`
	DialTimeout time.Duration           `yaml:"dial_timeout"`
	Heartbeat   HeartbeatConfig         `yaml:"heartbeat"`
	Reconnect   ReconnectPolicy         `yaml:"reconnect"`
	URL         subscription.URLOptions `yaml:"-"`
	// RefreshMinGap paces reconnects triggered by subscription changes.
	RefreshMinGap time.Duration `yaml:"refresh_min_gap"`
	EventBuffer   int           `yaml:"event_buffer"`
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.RefreshMinGap <= 0 {
		c.RefreshMinGap = defaultRefreshMinGap
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	return c
}

// Handler consumes raw data frames from the exchange socket.
type Handler func(frame []byte) error

// Manager owns one exchange websocket carrying the combined stream set. It
// dials, keeps the heartbeat, reconnects per the strategy, and re-dials with
// a rebuilt combined URL when the subscription set changes.
type Manager struct {
	cfg      Config
	subs     *subscription.Manager
	strategy *ReconnectStrategy
	handler  Handler
	clock    func() time.Time

	events         chan Event
	refreshSignal  chan struct{}
	refreshLimiter *rate.Limiter

	mu        sync.Mutex
	state     State
	connID    string
	conn      *websocket.Conn
	monitor   *HeartbeatMonitor
	activated bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	ready  chan struct{}
	once   sync.Once
}

// NewManager wires a connection manager over the subscription set.
func NewManager(cfg Config, subs *subscription.Manager, handler Handler) *Manager {
	cfg = cfg.withDefaults()
	m := new(Manager)
	m.cfg = cfg
	m.subs = subs
	m.strategy = NewReconnectStrategy(cfg.Reconnect)
	m.handler = handler
	m.clock = time.Now
	m.events = make(chan Event, cfg.EventBuffer)
	m.refreshSignal = make(chan struct{}, 1)
	m.refreshLimiter = rate.NewLimiter(rate.Every(cfg.RefreshMinGap), 1)
	m.state = StateIdle
	m.ready = make(chan struct{})
	return m
}

// Events returns the lifecycle event stream. Events are dropped, never
// blocked on, when the consumer lags.
func (m *Manager) Events() <-chan Event { return m.events }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionID returns the id of the live session, if any.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

// HeartbeatScore returns the live session's heartbeat health score.
func (m *Manager) HeartbeatScore() float64 {
	m.mu.Lock()
	monitor := m.monitor
	m.mu.Unlock()
	if monitor == nil {
		return 0
	}
	return monitor.Score()
}

// Start dials the combined stream URL and runs the session loop until Stop.
// It blocks until the first connection is up or the start timeout passes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return errs.New("connection/manager", errs.KindInvalidState,
			errs.WithMessage("start from state "+string(state)))
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if len(m.subs.StreamNames()) == 0 {
		return errs.New("connection/manager", errs.KindInvalidArgument,
			errs.WithMessage("no streams subscribed"))
	}

	m.wg.Go(func() { m.run(m.ctx) })

	select {
	case <-m.ready:
		return nil
	case <-time.After(defaultStartTimeout):
		return errs.New("connection/manager", errs.KindTimeout,
			errs.WithMessage("timed out waiting for initial connection"))
	case <-m.ctx.Done():
		return errs.New("connection/manager", errs.KindConnection,
			errs.WithMessage("context cancelled during start"), errs.WithCause(m.ctx.Err()))
	}
}

// Stop closes the session and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, shutdownCloseReason)
	}
	m.wg.Wait()
	m.setState(StateClosed, nil)
}

// AddStreams subscribes the requests and re-dials with the enlarged combined
// URL. On failure the newly added subscriptions are rolled back.
func (m *Manager) AddStreams(reqs []subscription.StreamRequest) error {
	added := make([]string, 0, len(reqs))
	before := m.subs.Len()
	for _, req := range reqs {
		sub, err := m.subs.Subscribe(req)
		if err != nil {
			for _, id := range added {
				_ = m.subs.Unsubscribe(id)
			}
			return err
		}
		if m.subs.Len() > before {
			added = append(added, sub.ID)
			before = m.subs.Len()
		}
	}
	if len(added) == 0 {
		return nil
	}
	m.requestRefresh()
	return nil
}

// RemoveStreams unsubscribes the ids and re-dials with the shrunken set.
func (m *Manager) RemoveStreams(ids []string) error {
	removed := 0
	for _, id := range ids {
		if err := m.subs.Unsubscribe(id); err != nil {
			return err
		}
		removed++
	}
	if removed == 0 {
		return nil
	}
	m.requestRefresh()
	return nil
}

// requestRefresh nudges the run loop to tear down the current socket and
// re-dial with a freshly built combined URL. The old socket keeps serving
// until the close lands, so the handover gap stays minimal.
func (m *Manager) requestRefresh() {
	select {
	case m.refreshSignal <- struct{}{}:
	default:
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, refreshCloseReason)
	}
}

func (m *Manager) run(ctx context.Context) {
	labels := map[string]string{"exchange": m.cfg.Exchange}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		// Pace dials so subscription churn cannot hammer the exchange.
		if err := m.refreshLimiter.Wait(ctx); err != nil {
			return
		}
		m.drainRefreshSignal()
		m.setState(StateConnecting, nil)

		url, err := m.subs.CombinedURL(m.cfg.BaseURL, m.cfg.URL)
		if err == nil {
			err = m.runSession(ctx, url)
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Orderly close without a shutdown means a refresh re-dial.
			m.setState(StateReconnecting, nil)
			continue
		}

		m.emit(Event{Type: EventError, ConnectionID: m.ConnectionID(), Err: err, At: m.clock().UTC()})
		observability.Telemetry().IncCounter("pixiu_connection_failures_total",
			1, map[string]string{"exchange": m.cfg.Exchange, "kind": string(errs.KindOf(err))})

		decision := m.strategy.Next(err, m.clock())
		switch decision.Action {
		case ActionReconnect:
			observability.Log().Warn("connection lost, reconnecting",
				observability.Field{Key: "exchange", Value: m.cfg.Exchange},
				observability.Field{Key: "attempt", Value: decision.Attempt},
				observability.Field{Key: "delay", Value: decision.Delay.String()},
				observability.Field{Key: "error", Value: err.Error()})
			observability.Telemetry().IncCounter("pixiu_connection_reconnects_total", 1, labels)
			m.setState(StateReconnecting, err)
			select {
			case <-ctx.Done():
				return
			case <-m.refreshSignal:
			case <-time.After(decision.Delay):
			}
		case ActionEscalate:
			observability.Log().Error("reconnect budget exhausted",
				observability.Field{Key: "exchange", Value: m.cfg.Exchange},
				observability.Field{Key: "attempts", Value: decision.Attempt})
			m.setState(StateError, err)
			return
		case ActionStop:
			observability.Log().Error("connection failed permanently",
				observability.Field{Key: "exchange", Value: m.cfg.Exchange},
				observability.Field{Key: "error", Value: err.Error()})
			m.setState(StateError, err)
			return
		}
	}
}

// runSession dials and serves one socket until it dies. A nil return means
// an orderly close (shutdown or refresh).
func (m *Manager) runSession(ctx context.Context, url string) error {
	monitor := NewHeartbeatMonitor(m.cfg.Heartbeat, m.clock().UTC())
	connID := uuid.NewString()

	opts := &websocket.DialOptions{
		OnPingReceived: func(context.Context, []byte) bool {
			now := m.clock().UTC()
			monitor.ServerPing(now)
			m.emit(Event{Type: EventPingReceived, ConnectionID: connID, At: now})
			m.emit(Event{Type: EventPongSent, ConnectionID: connID, At: now})
			return true
		},
		OnPongReceived: func(context.Context, []byte) {
			if _, err := monitor.PongReceived(m.clock().UTC()); err != nil {
				observability.Log().Warn("unsolicited pong",
					observability.Field{Key: "exchange", Value: m.cfg.Exchange})
			}
		},
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, url, opts)
	cancel()
	if err != nil {
		return errs.New("connection/manager", errs.KindConnection,
			errs.WithMessage("dial "+m.cfg.BaseURL), errs.WithCause(err))
	}
	conn.SetReadLimit(m.cfg.ReadLimit)

	now := m.clock().UTC()
	m.mu.Lock()
	m.conn = conn
	m.connID = connID
	m.monitor = monitor
	m.activated = false
	m.mu.Unlock()

	m.strategy.ConnectionUp(now)
	m.setState(StateConnected, nil)
	m.emit(Event{Type: EventOpen, ConnectionID: connID, At: now})
	m.subs.BindConnection(connID)
	m.once.Do(func() { close(m.ready) })
	observability.Log().Info("connection established",
		observability.Field{Key: "exchange", Value: m.cfg.Exchange},
		observability.Field{Key: "connection_id", Value: connID},
		observability.Field{Key: "streams", Value: len(m.subs.StreamNames())})

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	errCh := make(chan error, 3)
	var loops conc.WaitGroup
	loops.Go(func() { errCh <- m.readLoop(sessionCtx, conn) })
	loops.Go(func() { errCh <- m.watchLoop(sessionCtx, monitor) })
	// The exchange server drives the ping cadence; the client only pings
	// when explicitly allowed to.
	if monitor.AllowsUnsolicitedPing() {
		loops.Go(func() { errCh <- m.pingLoop(sessionCtx, conn, monitor) })
	}

	firstErr := <-errCh
	sessionCancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	loops.Wait()
	close(errCh)
	for e := range errCh {
		if firstErr == nil {
			firstErr = e
		}
	}

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.monitor = nil
	}
	m.mu.Unlock()
	m.emit(Event{Type: EventClosed, ConnectionID: connID, Err: firstErr, At: m.clock().UTC()})
	m.subs.PauseAll()
	return firstErr
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return classifyReadError(err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		m.markActive()
		observability.Telemetry().IncCounter("pixiu_connection_frames_total",
			1, map[string]string{"exchange": m.cfg.Exchange})
		if m.handler != nil {
			if err := m.handler(data); err != nil {
				observability.Log().Warn("frame handler error",
					observability.Field{Key: "exchange", Value: m.cfg.Exchange},
					observability.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn, monitor *HeartbeatMonitor) error {
	ticker := time.NewTicker(monitor.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			monitor.PingSent(m.clock().UTC())
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Heartbeat.withDefaults().PongTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errs.New("connection/heartbeat", errs.KindHeartbeatLost,
					errs.WithMessage("ping failed"), errs.WithCause(err))
			}
		}
	}
}

func (m *Manager) watchLoop(ctx context.Context, monitor *HeartbeatMonitor) error {
	ticker := time.NewTicker(heartbeatCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := monitor.Check(m.clock().UTC()); err != nil {
				return err
			}
			observability.Telemetry().ObserveHistogram("pixiu_heartbeat_latency_seconds",
				monitor.LatencyEWMA().Seconds(), map[string]string{"exchange": m.cfg.Exchange})
			observability.Telemetry().SetGauge("pixiu_heartbeat_score",
				monitor.Score(), map[string]string{"exchange": m.cfg.Exchange})
			if !monitor.Healthy() {
				observability.Log().Warn("heartbeat degraded",
					observability.Field{Key: "exchange", Value: m.cfg.Exchange},
					observability.Field{Key: "score", Value: formatScore(monitor.Score())})
			}
		}
	}
}

func (m *Manager) markActive() {
	m.mu.Lock()
	already := m.activated
	m.activated = true
	m.mu.Unlock()
	if !already {
		m.setState(StateActive, nil)
	}
}

func (m *Manager) setState(next State, cause error) {
	m.mu.Lock()
	prev := m.state
	if err := CheckTransition(prev, next); err != nil {
		m.mu.Unlock()
		observability.Log().Warn("ignored invalid state transition",
			observability.Field{Key: "from", Value: string(prev)},
			observability.Field{Key: "to", Value: string(next)})
		return
	}
	m.state = next
	connID := m.connID
	m.mu.Unlock()
	if prev != next {
		m.emit(Event{Type: EventStateChange, ConnectionID: connID, State: next, Err: cause, At: m.clock().UTC()})
	}
}

func (m *Manager) emit(evt Event) {
	select {
	case m.events <- evt:
	default:
	}
}

func (m *Manager) drainRefreshSignal() {
	select {
	case <-m.refreshSignal:
	default:
	}
}

func classifyReadError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	if status := websocket.CloseStatus(err); status != -1 {
		if status == websocket.StatusNormalClosure {
			return nil
		}
		return errs.New("connection/manager", errs.KindConnection,
			errs.WithCode(int(status)),
			errs.WithMessage("remote closed connection"), errs.WithCause(err))
	}
	return errs.New("connection/manager", errs.KindConnection,
		errs.WithMessage("read failed"), errs.WithCause(err))
}
