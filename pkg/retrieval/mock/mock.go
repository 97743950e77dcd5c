// Package mock provides a test double for retrieval.Retriever.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxline/pkg/retrieval"
)

// RetrieveCall records one Retrieve invocation.
type RetrieveCall struct {
	Query string
	Index retrieval.Index
}

// Retriever is a mock implementation of retrieval.Retriever and
// retrieval.Searcher.
type Retriever struct {
	mu sync.Mutex

	// Docs is returned by every call.
	Docs []retrieval.Document

	// Err, if non-nil, is returned instead of Docs.
	Err error

	// Calls records every Retrieve call.
	Calls []RetrieveCall

	// Vectors records the vector of every Search call.
	Vectors [][]float32
}

var (
	_ retrieval.Retriever = (*Retriever)(nil)
	_ retrieval.Searcher  = (*Retriever)(nil)
)

// Retrieve records the call and returns Docs, Err.
func (r *Retriever) Retrieve(_ context.Context, query string, idx retrieval.Index) ([]retrieval.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, RetrieveCall{Query: query, Index: idx})
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Docs, nil
}

// Search records the vector and returns at most topK of Docs.
func (r *Retriever) Search(_ context.Context, vector []float32, _ retrieval.Index, topK int) ([]retrieval.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Vectors = append(r.Vectors, vector)
	if r.Err != nil {
		return nil, r.Err
	}
	if topK < len(r.Docs) {
		return r.Docs[:topK], nil
	}
	return r.Docs, nil
}

// CallCount returns the number of Retrieve calls. Thread-safe.
func (r *Retriever) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}
