// Package connection maintains the exchange websocket session: heartbeat
// tracking, reconnect policy, and the connection lifecycle state machine.
package connection

import (
	"strconv"
	"sync"
	"time"

	"github.com/Meteo-X/pixiu-sub007/errs"
)

const (
	// Binance servers drive the ping cadence at roughly 20 seconds.
	defaultPingInterval    = 20 * time.Second
	defaultPongTimeout     = 5 * time.Second
	defaultLivenessTimeout = 60 * time.Second

	ewmaAlpha      = 0.2
	pairWindow     = 10
	driftTolerance = 0.2
	driftPenalty   = 0.7
	healthyFloor   = 0.5
)

// HeartbeatConfig tunes the heartbeat monitor. Zero values take defaults.
type HeartbeatConfig struct {
	// PingInterval is the expected ping cadence; pair intervals drifting
	// more than the tolerance from it discount the health score. When
	// unsolicited pings are allowed it also paces the client ping loop.
	PingInterval time.Duration `yaml:"ping_interval"`
	// PongTimeout bounds how long an outstanding ping may wait for its pong.
	PongTimeout time.Duration `yaml:"pong_timeout"`
	// LivenessTimeout bounds silence between server pings before the link
	// is declared lost.
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	// AllowUnsolicitedPing lets the manager generate its own pings. Off by
	// default because the exchange server drives the cadence.
	AllowUnsolicitedPing bool `yaml:"allow_unsolicited_ping"`
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = defaultLivenessTimeout
	}
	return c
}

// HeartbeatMonitor scores link health from ping/pong pairs. Each pair yields
// a sample 1 − min(1, latency/pongTimeout) folded by an exponentially
// weighted moving average; when the mean gap between the last pairs drifts
// more than the tolerance from the configured cadence the score is
// discounted.
type HeartbeatMonitor struct {
	cfg HeartbeatConfig

	mu          sync.Mutex
	pingSentAt  time.Time
	lastBeat    time.Time
	lastPairAt  time.Time
	intervals   []time.Duration
	ewma        time.Duration
	score       float64
	scored      bool
	unsolicited uint64
}

// NewHeartbeatMonitor creates a monitor primed at full health.
func NewHeartbeatMonitor(cfg HeartbeatConfig, start time.Time) *HeartbeatMonitor {
	m := new(HeartbeatMonitor)
	m.cfg = cfg.withDefaults()
	m.lastBeat = start
	m.intervals = make([]time.Duration, 0, pairWindow)
	m.score = 1.0
	return m
}

// PingSent records an outbound ping awaiting its echo.
func (m *HeartbeatMonitor) PingSent(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingSentAt = at
}

// PongReceived closes the outstanding ping round trip and folds the latency
// into the health score. A pong answering no outstanding ping is a protocol
// violation.
func (m *HeartbeatMonitor) PongReceived(at time.Time) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pingSentAt.IsZero() {
		m.unsolicited++
		return 0, errs.New("connection/heartbeat", errs.KindProtocol,
			errs.WithMessage("pong without outstanding ping"))
	}

	latency := at.Sub(m.pingSentAt)
	m.pingSentAt = time.Time{}
	if latency < 0 {
		latency = 0
	}
	m.lastBeat = at
	m.observeLocked(latency, at)
	return latency, nil
}

// ServerPing records an inbound ping from the peer. It refreshes liveness
// and feeds the cadence-drift check; the transport answers with a pong
// immediately, so the pair's response latency is effectively zero.
func (m *HeartbeatMonitor) ServerPing(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBeat = at
	m.observeLocked(0, at)
}

// Check enforces the heartbeat deadlines at the given instant. Data frames
// do not count: a link streaming data while the server has stopped pinging
// is still declared lost.
func (m *HeartbeatMonitor) Check(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pingSentAt.IsZero() && now.Sub(m.pingSentAt) > m.cfg.PongTimeout {
		return errs.New("connection/heartbeat", errs.KindHeartbeatLost,
			errs.WithField("pong_timeout"),
			errs.WithMessage("pong overdue after "+m.cfg.PongTimeout.String()))
	}
	if silent := now.Sub(m.lastBeat); silent > m.cfg.LivenessTimeout {
		return errs.New("connection/heartbeat", errs.KindHeartbeatLost,
			errs.WithField("liveness_timeout"),
			errs.WithMessage("no server ping for "+silent.Truncate(time.Millisecond).String()))
	}
	return nil
}

// Score returns the current health score in [0, 1].
func (m *HeartbeatMonitor) Score() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.score
}

// Healthy reports whether the score clears the health floor.
func (m *HeartbeatMonitor) Healthy() bool {
	return m.Score() >= healthyFloor
}

// LatencyEWMA returns the smoothed round-trip latency.
func (m *HeartbeatMonitor) LatencyEWMA() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ewma
}

// UnsolicitedPongs returns how many pongs arrived with no ping outstanding.
func (m *HeartbeatMonitor) UnsolicitedPongs() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsolicited
}

// Interval returns the configured ping cadence.
func (m *HeartbeatMonitor) Interval() time.Duration { return m.cfg.PingInterval }

// AllowsUnsolicitedPing reports whether the client may generate pings.
func (m *HeartbeatMonitor) AllowsUnsolicitedPing() bool { return m.cfg.AllowUnsolicitedPing }

func (m *HeartbeatMonitor) observeLocked(latency time.Duration, at time.Time) {
	sample := 1.0 - float64(latency)/float64(m.cfg.PongTimeout)
	if sample < 0 {
		sample = 0
	}
	if !m.scored {
		m.score = sample
		m.scored = true
	} else {
		m.score = ewmaAlpha*sample + (1-ewmaAlpha)*m.score
	}

	if m.ewma == 0 {
		m.ewma = latency
	} else {
		m.ewma = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(m.ewma))
	}

	if !m.lastPairAt.IsZero() {
		interval := at.Sub(m.lastPairAt)
		if len(m.intervals) == pairWindow {
			copy(m.intervals, m.intervals[1:])
			m.intervals[pairWindow-1] = interval
		} else {
			m.intervals = append(m.intervals, interval)
		}
		if m.intervalDriftLocked() > driftTolerance {
			m.score *= driftPenalty
		}
	}
	m.lastPairAt = at
}

// intervalDriftLocked returns the relative deviation of the mean pair
// interval from the configured cadence.
func (m *HeartbeatMonitor) intervalDriftLocked() float64 {
	if len(m.intervals) == 0 {
		return 0
	}
	var sum time.Duration
	for _, interval := range m.intervals {
		sum += interval
	}
	mean := float64(sum) / float64(len(m.intervals))
	drift := mean - float64(m.cfg.PingInterval)
	if drift < 0 {
		drift = -drift
	}
	return drift / float64(m.cfg.PingInterval)
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 2, 64)
}
