package observability

import (
	"sync"
	"time"

	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

// DeadLetter records a batch that exhausted its sink retries.
type DeadLetter struct {
	SinkID   string
	Reason   string
	Messages []*schema.MarketData
	FailedAt time.Time
}

// DeadLetterQueue stores batches that failed delivery after all retries.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	letters  []DeadLetter
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.letters = make([]DeadLetter, 0)
	return queue
}

// Offer records a dead letter, evicting the oldest entry when at capacity.
func (q *DeadLetterQueue) Offer(letter DeadLetter) {
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.letters) >= q.capacity {
		copy(q.letters[0:], q.letters[1:])
		q.letters[len(q.letters)-1] = letter
		return
	}
	q.letters = append(q.letters, letter)
}

// Drain retrieves and clears all queued dead letters.
func (q *DeadLetterQueue) Drain() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]DeadLetter, len(q.letters))
	copy(drained, q.letters)
	q.letters = q.letters[:0]
	return drained
}

// Len returns the number of queued dead letters.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.letters)
}
