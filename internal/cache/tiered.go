package cache

import "context"

// Tiered layers a fast local store over a shared one. Reads try L1 first and
// promote L2 hits into L1; writes go to both.
type Tiered[V any] struct {
	l1 Store[V]
	l2 Store[V]
}

var _ Store[string] = (*Tiered[string])(nil)

// NewTiered returns a two-level store. A nil l2 makes it a plain L1 store.
func NewTiered[V any](l1, l2 Store[V]) *Tiered[V] {
	return &Tiered[V]{l1: l1, l2: l2}
}

// Get implements [Store].
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := t.l1.Get(ctx, key); ok {
		return v, true
	}
	if t.l2 == nil {
		var zero V
		return zero, false
	}
	v, ok := t.l2.Get(ctx, key)
	if ok {
		// L2 does not return durability, so it is derived from the key.
		var opts []PutOption
		if IsGreetingKey(key) {
			opts = append(opts, Durable())
		}
		t.l1.Put(ctx, key, v, opts...)
	}
	return v, ok
}

// Put implements [Store].
func (t *Tiered[V]) Put(ctx context.Context, key string, value V, opts ...PutOption) {
	t.l1.Put(ctx, key, value, opts...)
	if t.l2 != nil {
		t.l2.Put(ctx, key, value, opts...)
	}
}
