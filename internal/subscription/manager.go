package subscription

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Meteo-X/pixiu-sub007/errs"
)

// Status tracks the lifecycle of one subscription.
type Status string

const (
	// StatusPending marks a subscription created but not yet confirmed by a frame.
	StatusPending Status = "pending"
	// StatusActive marks a subscription that has received at least one frame.
	StatusActive Status = "active"
	// StatusPaused marks a subscription suspended while its connection reconnects.
	StatusPaused Status = "paused"
	// StatusFailed marks a retryable subscription failure.
	StatusFailed Status = "failed"
	// StatusCancelled is terminal.
	StatusCancelled Status = "cancelled"
)

// Subscription is the lifecycle record for one exchange stream.
type Subscription struct {
	ID           string
	Request      StreamRequest
	StreamName   string
	ConnectionID string
	Status       Status
	SubscribedAt time.Time
	LastActiveAt time.Time
	MessageCount uint64
	ErrorCount   uint64
}

// Manager owns subscription records for one exchange adapter. It translates
// requests into stream names through the profile and keeps first-seen stream
// order for combined URL construction.
type Manager struct {
	profile Profile
	clock   func() time.Time

	mu       sync.RWMutex
	byID     map[string]*Subscription
	byStream map[string]string
	order    []string
}

// NewManager constructs a subscription manager for the given exchange profile.
func NewManager(profile Profile, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	manager := new(Manager)
	manager.profile = profile
	manager.clock = clock
	manager.byID = make(map[string]*Subscription)
	manager.byStream = make(map[string]string)
	return manager
}

// Subscribe registers a stream request. Requests mapping to an already-known
// stream name return the existing record instead of a duplicate.
func (m *Manager) Subscribe(req StreamRequest) (Subscription, error) {
	name, err := m.profile.StreamName(req)
	if err != nil {
		return Subscription{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byStream[name]; ok {
		return *m.byID[id], nil
	}
	if max := m.profile.MaxStreams(); max > 0 && len(m.order) >= max {
		return Subscription{}, errs.New("subscription/manager", errs.KindTooManyStreams,
			errs.WithCode(len(m.order)),
			errs.WithMessage("subscription set exceeds per-connection limit"))
	}
	sub := &Subscription{
		ID:           uuid.NewString(),
		Request:      req,
		StreamName:   name,
		Status:       StatusPending,
		SubscribedAt: m.clock().UTC(),
	}
	m.byID[sub.ID] = sub
	m.byStream[name] = sub.ID
	m.order = append(m.order, name)
	return *sub, nil
}

// Unsubscribe removes the subscription record; the stream name is freed.
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.byID[id]
	if !ok {
		return errs.New("subscription/manager", errs.KindInvalidArgument,
			errs.WithMessage("unknown subscription id"))
	}
	sub.Status = StatusCancelled
	delete(m.byID, id)
	delete(m.byStream, sub.StreamName)
	for i, name := range m.order {
		if name == sub.StreamName {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// MarkActive records a successful frame for the stream, activating pending or
// failed subscriptions.
func (m *Manager) MarkActive(streamName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.lookupLocked(streamName)
	if sub == nil {
		return
	}
	sub.Status = StatusActive
	sub.LastActiveAt = m.clock().UTC()
	sub.MessageCount++
}

// MarkFailed records a retryable stream failure.
func (m *Manager) MarkFailed(streamName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.lookupLocked(streamName)
	if sub == nil {
		return
	}
	sub.Status = StatusFailed
	sub.ErrorCount++
}

// PauseAll suspends every non-terminal subscription; used while the carrying
// connection reconnects.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.byID {
		if sub.Status == StatusActive || sub.Status == StatusPending {
			sub.Status = StatusPaused
		}
	}
}

// BindConnection stamps every record with the carrying connection id.
func (m *Manager) BindConnection(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.byID {
		sub.ConnectionID = connectionID
	}
}

// StreamNames returns the subscribed stream names in first-seen order.
func (m *Manager) StreamNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Get returns a copy of the subscription record by id.
func (m *Manager) Get(id string) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.byID[id]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// Lookup returns a copy of the subscription carrying the stream name.
func (m *Manager) Lookup(streamName string) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub := m.lookupLocked(streamName)
	if sub == nil {
		return Subscription{}, false
	}
	return *sub, true
}

// Len returns the number of live subscription records.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// CombinedURL builds the combined stream URL for the current subscription set.
func (m *Manager) CombinedURL(baseURL string, opts URLOptions) (string, error) {
	if opts.MaxStreams <= 0 {
		opts.MaxStreams = m.profile.MaxStreams()
	}
	return BuildCombinedStreamURL(m.StreamNames(), baseURL, opts)
}

func (m *Manager) lookupLocked(streamName string) *Subscription {
	id, ok := m.byStream[streamName]
	if !ok {
		return nil
	}
	return m.byID[id]
}
