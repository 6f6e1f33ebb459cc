package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/Meteo-X/pixiu-sub007/internal/dataflow"
	"github.com/Meteo-X/pixiu-sub007/internal/observability"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

const (
	defaultCacheKeep = 100
	defaultCacheTTL  = 60 * time.Second
)

type cacheEntry struct {
	record   *schema.MarketData
	storedAt time.Time
}

// CacheSink keeps the most recent records per (exchange, symbol, type) tuple
// for fast lookups. Delivery is best effort: writes never fail and expired
// entries are swept in the background.
type CacheSink struct {
	id    string
	keep  int
	ttl   time.Duration
	clock func() time.Time

	mu      sync.RWMutex
	buckets map[string][]cacheEntry

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewCacheSink builds a cache sink and starts its expiry sweeper.
// keep <= 0 and ttl <= 0 take defaults.
func NewCacheSink(id string, keep int, ttl time.Duration) *CacheSink {
	if keep <= 0 {
		keep = defaultCacheKeep
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	s := new(CacheSink)
	s.id = id
	s.keep = keep
	s.ttl = ttl
	s.clock = time.Now
	s.buckets = make(map[string][]cacheEntry)
	s.sweepStop = make(chan struct{})
	go s.sweepLoop()
	return s
}

// ID implements dataflow.Sink.
func (s *CacheSink) ID() string { return s.id }

// Write implements dataflow.Sink. It never fails.
func (s *CacheSink) Write(_ context.Context, batch []*schema.MarketData) error {
	now := s.clock().UTC()
	s.mu.Lock()
	for _, record := range batch {
		tuple := record.Tuple()
		entries := append(s.buckets[tuple], cacheEntry{record: record, storedAt: now})
		if len(entries) > s.keep {
			entries = entries[len(entries)-s.keep:]
		}
		s.buckets[tuple] = entries
	}
	s.mu.Unlock()
	observability.Telemetry().IncCounter("pixiu_cache_writes_total", float64(len(batch)),
		map[string]string{"sink": s.id})
	return nil
}

// Health implements dataflow.Sink. The cache cannot degrade.
func (s *CacheSink) Health() dataflow.SinkHealth {
	return dataflow.SinkHealth{Status: dataflow.HealthHealthy, CheckedAt: s.clock().UTC()}
}

// Close stops the sweeper and clears the cache.
func (s *CacheSink) Close(context.Context) error {
	s.sweepOnce.Do(func() { close(s.sweepStop) })
	s.mu.Lock()
	s.buckets = make(map[string][]cacheEntry)
	s.mu.Unlock()
	return nil
}

// Latest returns the newest unexpired record for the tuple.
func (s *CacheSink) Latest(tuple string) (*schema.MarketData, bool) {
	recent := s.Recent(tuple, 1)
	if len(recent) == 0 {
		return nil, false
	}
	return recent[0], true
}

// Recent returns up to n unexpired records for the tuple, newest first.
// Every lookup lands in the hit or miss counter and served entries feed the
// age distribution.
func (s *CacheSink) Recent(tuple string, n int) []*schema.MarketData {
	now := s.clock().UTC()
	cutoff := now.Add(-s.ttl)

	s.mu.RLock()
	entries := s.buckets[tuple]
	out := make([]*schema.MarketData, 0, n)
	ages := make([]time.Duration, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		if entries[i].storedAt.Before(cutoff) {
			break
		}
		out = append(out, entries[i].record)
		ages = append(ages, now.Sub(entries[i].storedAt))
	}
	s.mu.RUnlock()

	metrics := observability.Telemetry()
	labels := map[string]string{"sink": s.id}
	if len(out) == 0 {
		metrics.IncCounter("pixiu_cache_misses_total", 1, labels)
		return out
	}
	metrics.IncCounter("pixiu_cache_hits_total", 1, labels)
	for _, age := range ages {
		metrics.ObserveHistogram("pixiu_cache_entry_age_ms",
			float64(age.Milliseconds()), labels)
	}
	return out
}

// Tuples returns the tuples currently held.
func (s *CacheSink) Tuples() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.buckets))
	for tuple := range s.buckets {
		out = append(out, tuple)
	}
	return out
}

func (s *CacheSink) sweepLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *CacheSink) sweep() {
	cutoff := s.clock().UTC().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for tuple, entries := range s.buckets {
		idx := 0
		for idx < len(entries) && entries[idx].storedAt.Before(cutoff) {
			idx++
		}
		if idx == len(entries) {
			delete(s.buckets, tuple)
			continue
		}
		if idx > 0 {
			s.buckets[tuple] = entries[idx:]
		}
	}
}
