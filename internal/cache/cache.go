// Package cache provides the bounded-lifetime stores that back every price and
// reference lookup. Expired entries are kept and handed out as a last resort;
// nothing is deleted on read.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/quotestream/internal/infra/telemetry"
)

// Entry is one cached value with its fetch and expiry timestamps.
type Entry[V any] struct {
	Key       string
	Value     V
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Stale reports whether the entry is past its expiry at now.
func (e Entry[V]) Stale(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTLFunc computes the lifetime of an entry written at now.
type TTLFunc func(now time.Time) time.Duration

// Fixed returns a TTLFunc with a constant lifetime.
func Fixed(ttl time.Duration) TTLFunc {
	return func(time.Time) time.Duration { return ttl }
}

// Config describes one cache instance.
type Config struct {
	Kind       string
	TTL        TTLFunc
	MaxEntries int
	Clock      func() time.Time
}

// Store is a concurrency-safe key/value cache for a single data kind.
type Store[V any] struct {
	kind       string
	ttl        TTLFunc
	maxEntries int
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry[V]

	lookups metric.Int64Counter
}

// New constructs a Store from cfg.
func New[V any](cfg Config) *Store[V] {
	kind := strings.TrimSpace(cfg.Kind)
	if kind == "" {
		kind = "default"
	}
	ttl := cfg.TTL
	if ttl == nil {
		ttl = Fixed(time.Minute)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Store[V]{
		kind:       kind,
		ttl:        ttl,
		maxEntries: cfg.MaxEntries,
		now:        clock,
		entries:    make(map[string]Entry[V]),
	}
	meter := otel.Meter("cache")
	s.lookups, _ = meter.Int64Counter("quotestream_cache_lookups",
		metric.WithDescription("Cache lookups by kind and result (hit, stale, miss)"),
		metric.WithUnit("{lookup}"))
	return s
}

// Kind returns the data kind label.
func (s *Store[V]) Kind() string { return s.kind }

// Get returns a fresh entry only.
func (s *Store[V]) Get(key string) (Entry[V], bool) {
	entry, ok := s.Lookup(key)
	if !ok {
		s.record("miss")
		return Entry[V]{}, false
	}
	if entry.Stale(s.now()) {
		s.record("stale")
		return Entry[V]{}, false
	}
	s.record("hit")
	return entry, true
}

// Lookup returns the entry for key whether or not it has expired.
func (s *Store[V]) Lookup(key string) (Entry[V], bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	return entry, ok
}

// Set stores value under key, stamped with the current time.
func (s *Store[V]) Set(key string, value V) Entry[V] {
	return s.SetAt(key, value, s.now())
}

// SetAt stores value under key as if fetched at fetchedAt.
func (s *Store[V]) SetAt(key string, value V, fetchedAt time.Time) Entry[V] {
	entry := Entry[V]{
		Key:       key,
		Value:     value,
		FetchedAt: fetchedAt,
		ExpiresAt: fetchedAt.Add(s.ttl(fetchedAt)),
	}
	s.mu.Lock()
	if _, exists := s.entries[key]; !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOldestLocked()
	}
	s.entries[key] = entry
	s.mu.Unlock()
	return entry
}

// Delete drops key.
func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns a snapshot of the stored keys.
func (s *Store[V]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// evictOldestLocked removes the entry with the oldest fetch time. Capacity is
// the only reason an entry ever leaves the store.
func (s *Store[V]) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for k, e := range s.entries {
		if !found || e.FetchedAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.FetchedAt, true
		}
	}
	if found {
		delete(s.entries, oldestKey)
	}
}

func (s *Store[V]) record(result string) {
	if s.lookups == nil {
		return
	}
	s.lookups.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.CacheAttributes(telemetry.Environment(), s.kind, result)...))
}
