// Package retrieval looks up context documents for a caller's utterance.
//
// A [Retriever] turns a query string into ranked documents from a named index.
// [Embedded] does so by embedding the query and handing the vector to the
// [Searcher] registered for the index kind; [Cached] memoises any Retriever
// through the shared cache store.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/provider/embeddings"
)

// DefaultTopK is how many documents a lookup returns when the index does not
// say otherwise.
const DefaultTopK = 2

// Backend kinds.
const (
	KindPGVector = "pgvector"
	KindQdrant   = "qdrant"
)

// ErrUnknownBackend is returned for an [Index] whose Kind has no registered
// [Searcher].
var ErrUnknownBackend = errors.New("retrieval: unknown backend")

// Document is one retrieved passage.
type Document struct {
	ID       string            `msgpack:"id"`
	Content  string            `msgpack:"content"`
	Score    float32           `msgpack:"score"`
	Metadata map[string]string `msgpack:"metadata,omitempty"`
}

// Index selects where to search. Name is a table partition for pgvector and a
// collection for qdrant; Namespace narrows it further and may be empty.
type Index struct {
	Kind      string
	Name      string
	Namespace string
	TopK      int
}

// String returns a stable identity used in cache keys and logs.
func (i Index) String() string {
	s := i.Kind + "/" + i.Name
	if i.Namespace != "" {
		s += "/" + i.Namespace
	}
	return s
}

// IsZero reports whether no index was configured.
func (i Index) IsZero() bool { return i.Name == "" }

func (i Index) topK() int {
	if i.TopK > 0 {
		return i.TopK
	}
	return DefaultTopK
}

// Retriever fetches documents relevant to query, best match first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, idx Index) ([]Document, error)
}

// Searcher runs a nearest-neighbour search against one backend.
type Searcher interface {
	Search(ctx context.Context, vector []float32, idx Index, topK int) ([]Document, error)
}

// Embedded is a [Retriever] that embeds the query and dispatches the vector
// to the [Searcher] registered for the index kind.
type Embedded struct {
	embedder embeddings.Provider
	backends map[string]Searcher
	metrics  *observe.Metrics
}

var _ Retriever = (*Embedded)(nil)

// NewEmbedded returns a Retriever over the given backends keyed by kind.
// metrics may be nil.
func NewEmbedded(embedder embeddings.Provider, backends map[string]Searcher, metrics *observe.Metrics) *Embedded {
	return &Embedded{embedder: embedder, backends: backends, metrics: metrics}
}

// Retrieve implements [Retriever].
func (e *Embedded) Retrieve(ctx context.Context, query string, idx Index) ([]Document, error) {
	backend, ok := e.backends[idx.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, idx.Kind)
	}

	start := time.Now()
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	docs, err := backend.Search(ctx, vec, idx, idx.topK())
	if e.metrics != nil {
		observe.RecordDuration(ctx, e.metrics.RetrievalDuration, start, observe.Attr("backend", idx.Kind))
	}
	if err != nil {
		return nil, fmt.Errorf("retrieval: search %s: %w", idx, err)
	}
	return docs, nil
}
