package sinks

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/dataflow"
	"github.com/Meteo-X/pixiu-sub007/internal/observability"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

// Publisher abstracts the pub/sub backend used by the sink.
type Publisher interface {
	Publish(ctx context.Context, topic, orderingKey string, payload []byte, attrs map[string]string) error
	Close() error
}

const degradedAfterFailures = 3

// PubSubSink publishes each record to a topic derived from its type bucket
// and exchange. Publish order per ordering key follows write order because
// the engine drives one sink worker.
type PubSubSink struct {
	id          string
	topicPrefix string
	publisher   Publisher

	mu           sync.Mutex
	consecFails  int
	lastErr      string
	lastActivity time.Time
}

// NewPubSubSink wires a pub/sub sink over the publisher.
func NewPubSubSink(id, topicPrefix string, publisher Publisher) *PubSubSink {
	s := new(PubSubSink)
	s.id = id
	s.topicPrefix = topicPrefix
	s.publisher = publisher
	return s
}

// ID implements dataflow.Sink.
func (s *PubSubSink) ID() string { return s.id }

// Write publishes the batch record by record. Serialization failures are
// permanent; transport failures are transient and retried by the engine.
func (s *PubSubSink) Write(ctx context.Context, batch []*schema.MarketData) error {
	for _, record := range batch {
		payload, err := json.Marshal(record)
		if err != nil {
			s.noteFailure(err)
			return errs.New("sinks/pubsub", errs.KindSinkPermanent,
				errs.WithMessage("marshal record"), errs.WithCause(err))
		}
		topic := Topic(s.topicPrefix, record)
		if err := s.publisher.Publish(ctx, topic, OrderingKey(record), payload, Attributes(record)); err != nil {
			s.noteFailure(err)
			return errs.New("sinks/pubsub", errs.KindSinkTransient,
				errs.WithField(topic), errs.WithMessage("publish"), errs.WithCause(err))
		}
		observability.Telemetry().IncCounter("pixiu_pubsub_published_total", 1,
			map[string]string{"topic": topic})
	}
	s.noteSuccess()
	return nil
}

// Health implements dataflow.Sink.
func (s *PubSubSink) Health() dataflow.SinkHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	health := dataflow.SinkHealth{Status: dataflow.HealthHealthy, CheckedAt: time.Now().UTC()}
	switch {
	case s.consecFails >= degradedAfterFailures:
		health.Status = dataflow.HealthUnhealthy
		health.Detail = s.lastErr
	case s.consecFails > 0:
		health.Status = dataflow.HealthDegraded
		health.Detail = s.lastErr
	}
	return health
}

// Close implements dataflow.Sink.
func (s *PubSubSink) Close(context.Context) error {
	return s.publisher.Close()
}

func (s *PubSubSink) noteFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecFails++
	s.lastErr = err.Error()
}

func (s *PubSubSink) noteSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecFails = 0
	s.lastErr = ""
	s.lastActivity = time.Now().UTC()
}

// MemoryPublisher collects published messages; used in tests and dry runs.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []MemoryMessage
}

// MemoryMessage is one captured publish.
type MemoryMessage struct {
	Topic       string
	OrderingKey string
	Payload     []byte
	Attrs       map[string]string
}

// NewMemoryPublisher returns an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher { return new(MemoryPublisher) }

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, topic, orderingKey string, payload []byte, attrs map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, MemoryMessage{
		Topic:       topic,
		OrderingKey: orderingKey,
		Payload:     payload,
		Attrs:       attrs,
	})
	return nil
}

// Close implements Publisher.
func (p *MemoryPublisher) Close() error { return nil }

// Messages returns a copy of everything published so far.
func (p *MemoryPublisher) Messages() []MemoryMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MemoryMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
