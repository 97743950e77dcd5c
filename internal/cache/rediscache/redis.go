// Package rediscache provides a shared cache.Store over Redis so that several
// voxline instances reuse each other's synthesized audio and retrieval results.
//
// Values are encoded with msgpack. Any Redis or decoding failure is logged and
// reported as a miss; the cache never fails a turn.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/voxline/internal/cache"
	"github.com/MrWong99/voxline/internal/observe"
)

// Store is a Redis-backed [cache.Store].
type Store[V any] struct {
	client  redis.Cmdable
	prefix  string
	ttl     time.Duration
	metrics *observe.Metrics
}

var _ cache.Store[[]byte] = (*Store[[]byte])(nil)

// Option configures a Store.
type Option func(*options)

type options struct {
	metrics *observe.Metrics
}

// WithMetrics records hits and misses on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New returns a Store whose keys are prefixed with prefix + ":". Non-durable
// entries expire in Redis after ttl.
func New[V any](client redis.Cmdable, prefix string, ttl time.Duration, opts ...Option) *Store[V] {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return &Store[V]{client: client, prefix: prefix, ttl: ttl, metrics: o.metrics}
}

func (s *Store[V]) key(k string) string {
	return s.prefix + ":" + k
}

// Get implements [cache.Store].
func (s *Store[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.record(ctx, false)
		return zero, false
	}
	if err != nil {
		s.fail(ctx, "get", key, err)
		s.record(ctx, false)
		return zero, false
	}

	var v V
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		s.fail(ctx, "decode", key, err)
		s.record(ctx, false)
		return zero, false
	}
	s.record(ctx, true)
	return v, true
}

// Put implements [cache.Store]. Durable entries are stored without expiry.
func (s *Store[V]) Put(ctx context.Context, key string, value V, opts ...cache.PutOption) {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		s.fail(ctx, "encode", key, err)
		return
	}
	ttl := s.ttl
	if cache.IsDurable(opts...) {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		s.fail(ctx, "set", key, err)
	}
}

// Ping reports whether Redis is reachable. Used by readiness probes.
func (s *Store[V]) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("rediscache: ping: %w", err)
	}
	return nil
}

func (s *Store[V]) fail(ctx context.Context, op, key string, err error) {
	observe.Logger(ctx).Warn("redis cache operation failed",
		slog.String("op", op),
		slog.String("key", s.key(key)),
		slog.Any("err", fmt.Errorf("%w: %w", cache.ErrCache, err)),
	)
}

func (s *Store[V]) record(ctx context.Context, hit bool) {
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(ctx, "redis:"+s.prefix, hit)
	}
}
