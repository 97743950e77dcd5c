// Package cache provides the process-wide key/value store shared by every
// session: retrieval results, synthesized speech and greeting audio.
//
// Entries expire after a TTL unless stored with [Durable]. An expired entry is
// never returned. Different keys never contend on the same lock, and a write
// replaces the whole value of its key (last write wins).
package cache

import (
	"context"
	"errors"
)

// ErrCache wraps failures of a cache backend. Callers treat them as misses;
// they are never fatal to a turn.
var ErrCache = errors.New("cache error")

// Store is a typed key/value cache.
type Store[V any] interface {
	// Get returns the value for key and true, or the zero value and false on a
	// miss or an expired entry.
	Get(ctx context.Context, key string) (V, bool)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value V, opts ...PutOption)
}

// PutOption modifies a single Put.
type PutOption func(*putOptions)

type putOptions struct {
	durable bool
}

// Durable marks the entry as exempt from TTL expiry. Durable entries stay until
// they are deleted explicitly.
func Durable() PutOption {
	return func(o *putOptions) { o.durable = true }
}

func applyPut(opts []PutOption) putOptions {
	var o putOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// IsDurable reports whether opts mark an entry as durable. Backends outside
// this package use it to honour [Durable].
func IsDurable(opts ...PutOption) bool {
	return applyPut(opts).durable
}
