package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/MrWong99/voxline/internal/observe"
)

const (
	// DefaultTTL is how long a non-durable entry stays valid.
	DefaultTTL = 10 * time.Minute

	// DefaultHighWater is the entry count above which writes sweep expired
	// entries.
	DefaultHighWater = 100

	shardCount = 32
)

// Option configures a [Memory] store.
type Option func(*memoryConfig)

type memoryConfig struct {
	ttl       time.Duration
	highWater int
	now       func() time.Time
	metrics   *observe.Metrics
}

// WithTTL sets the entry lifetime. A non-positive TTL disables expiry.
func WithTTL(d time.Duration) Option {
	return func(c *memoryConfig) { c.ttl = d }
}

// WithHighWater sets the size above which writes trigger a sweep.
func WithHighWater(n int) Option {
	return func(c *memoryConfig) { c.highWater = n }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *memoryConfig) { c.now = now }
}

// WithMetrics records hits and misses on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *memoryConfig) { c.metrics = m }
}

type entry[V any] struct {
	value    V
	storedAt time.Time
	durable  bool
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

// Memory is an in-process [Store] split into shards chosen by key hash.
// It is safe for concurrent use.
type Memory[V any] struct {
	name     string
	cfg      memoryConfig
	shards   [shardCount]*shard[V]
	size     atomic.Int64
	sweeping atomic.Bool
}

var _ Store[[]byte] = (*Memory[[]byte])(nil)

// NewMemory creates an empty store. name labels its metrics.
func NewMemory[V any](name string, opts ...Option) *Memory[V] {
	cfg := memoryConfig{
		ttl:       DefaultTTL,
		highWater: DefaultHighWater,
		now:       time.Now,
	}
	for _, o := range opts {
		o(&cfg)
	}
	m := &Memory[V]{name: name, cfg: cfg}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return m
}

func (m *Memory[V]) shardFor(key string) *shard[V] {
	return m.shards[xxhash.Sum64String(key)%shardCount]
}

func (m *Memory[V]) expired(e entry[V], now time.Time) bool {
	return !e.durable && m.cfg.ttl > 0 && now.Sub(e.storedAt) > m.cfg.ttl
}

// Get implements [Store]. Expired entries are removed on read.
func (m *Memory[V]) Get(ctx context.Context, key string) (V, bool) {
	s := m.shardFor(key)
	now := m.cfg.now()

	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	if ok && m.expired(e, now) {
		s.mu.Lock()
		// Re-check: a concurrent Put may have refreshed the key.
		if cur, still := s.items[key]; still && m.expired(cur, now) {
			delete(s.items, key)
			m.size.Add(-1)
		}
		s.mu.Unlock()
		ok = false
	}

	m.record(ctx, ok)
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put implements [Store].
func (m *Memory[V]) Put(_ context.Context, key string, value V, opts ...PutOption) {
	o := applyPut(opts)
	s := m.shardFor(key)

	s.mu.Lock()
	_, existed := s.items[key]
	s.items[key] = entry[V]{value: value, storedAt: m.cfg.now(), durable: o.durable}
	s.mu.Unlock()

	if !existed && m.size.Add(1) > int64(m.cfg.highWater) && m.cfg.highWater > 0 {
		m.Sweep()
	}
}

// Delete removes key. Deleting a missing key is a no-op.
func (m *Memory[V]) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	if _, ok := s.items[key]; ok {
		delete(s.items, key)
		m.size.Add(-1)
	}
	s.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones that have
// not been swept yet.
func (m *Memory[V]) Len() int {
	return int(m.size.Load())
}

// Sweep removes every expired entry and returns how many were removed. Only one
// sweep runs at a time; a concurrent call returns 0 immediately.
func (m *Memory[V]) Sweep() int {
	if !m.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer m.sweeping.Store(false)

	now := m.cfg.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if m.expired(e, now) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	m.size.Add(int64(-removed))
	return removed
}

// RunSweeper sweeps every interval until ctx is done.
func (m *Memory[V]) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				observe.Logger(ctx).Debug("cache swept", "cache", m.name, "removed", n)
			}
		}
	}
}

func (m *Memory[V]) record(ctx context.Context, hit bool) {
	if m.cfg.metrics != nil {
		m.cfg.metrics.RecordCacheLookup(ctx, m.name, hit)
	}
}
