package connection

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Meteo-X/pixiu-sub007/errs"
)

const (
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultStableReset  = 30 * time.Second
	reconnectJitter     = 0.2
)

// ReconnectPolicy tunes the reconnect strategy. Zero values take defaults;
// MaxRetries <= 0 retries without bound.
type ReconnectPolicy struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	// StableReset is the connected uptime after which the attempt counter resets.
	StableReset time.Duration `yaml:"stable_reset"`
	MaxRetries  int           `yaml:"max_retries"`
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.StableReset <= 0 {
		p.StableReset = defaultStableReset
	}
	return p
}

// Action is the strategy's verdict on a connection failure.
type Action string

const (
	// ActionReconnect schedules another dial after Decision.Delay.
	ActionReconnect Action = "reconnect"
	// ActionEscalate stops retrying; the failure needs operator attention.
	ActionEscalate Action = "escalate"
	// ActionStop abandons the session for non-retryable failures.
	ActionStop Action = "stop"
)

// Decision describes what the strategy wants done about a failure.
type Decision struct {
	Action  Action
	Delay   time.Duration
	Attempt int
}

// ReconnectStrategy decides whether and when to re-dial after a failure.
// Delays grow exponentially with jitter; an uptime of at least StableReset
// before the failure resets the attempt counter.
type ReconnectStrategy struct {
	policy ReconnectPolicy

	mu          sync.Mutex
	backoff     *backoff.ExponentialBackOff
	attempt     int
	connectedAt time.Time
}

// NewReconnectStrategy builds a strategy from the policy.
func NewReconnectStrategy(policy ReconnectPolicy) *ReconnectStrategy {
	policy = policy.withDefaults()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialDelay
	exp.RandomizationFactor = reconnectJitter
	exp.Multiplier = 2
	exp.MaxInterval = policy.MaxDelay
	exp.Reset()

	s := new(ReconnectStrategy)
	s.policy = policy
	s.backoff = exp
	return s
}

// ConnectionUp records a successful dial.
func (s *ReconnectStrategy) ConnectionUp(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectedAt = at
}

// Next classifies the failure and, when retryable, schedules the next dial.
func (s *ReconnectStrategy) Next(err error, at time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !errs.Retryable(err) {
		return Decision{Action: ActionStop, Attempt: s.attempt}
	}

	if !s.connectedAt.IsZero() && at.Sub(s.connectedAt) >= s.policy.StableReset {
		s.attempt = 0
		s.backoff.Reset()
	}
	s.connectedAt = time.Time{}

	s.attempt++
	if s.policy.MaxRetries > 0 && s.attempt > s.policy.MaxRetries {
		return Decision{Action: ActionEscalate, Attempt: s.attempt}
	}

	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop || delay > s.policy.MaxDelay {
		delay = s.policy.MaxDelay
	}
	return Decision{Action: ActionReconnect, Delay: delay, Attempt: s.attempt}
}

// Reset clears the attempt counter and backoff schedule.
func (s *ReconnectStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
	s.connectedAt = time.Time{}
	s.backoff.Reset()
}

// Attempt returns the current consecutive failure count.
func (s *ReconnectStrategy) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}
