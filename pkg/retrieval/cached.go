package retrieval

import (
	"context"

	"github.com/MrWong99/voxline/internal/cache"
)

// Cached memoises an inner [Retriever] keyed by index identity and the
// normalised query. Failed lookups are not cached.
type Cached struct {
	inner Retriever
	store cache.Store[[]Document]
}

var _ Retriever = (*Cached)(nil)

// NewCached wraps inner with store.
func NewCached(inner Retriever, store cache.Store[[]Document]) *Cached {
	return &Cached{inner: inner, store: store}
}

// Retrieve implements [Retriever].
func (c *Cached) Retrieve(ctx context.Context, query string, idx Index) ([]Document, error) {
	key := cache.RetrievalKey(idx.String(), query)
	if docs, ok := c.store.Get(ctx, key); ok {
		return docs, nil
	}
	docs, err := c.inner.Retrieve(ctx, query, idx)
	if err != nil {
		return nil, err
	}
	c.store.Put(ctx, key, docs)
	return docs, nil
}
