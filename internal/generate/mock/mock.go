// Package mock provides a scripted generate.Generator for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/generate"
	"github.com/MrWong99/voxline/pkg/types"
)

// Generator replays Fragments for every request.
type Generator struct {
	mu sync.Mutex

	// Fragments is streamed for every call.
	Fragments []types.Fragment

	// FragmentsFunc, if set, picks the fragments per request instead.
	FragmentsFunc func(req generate.Request) []types.Fragment

	// Delay is slept before each fragment.
	Delay time.Duration

	// Hang keeps the stream open after the last fragment until ctx ends.
	Hang bool

	// Gate, if non-nil, must be closed before the first fragment is sent.
	Gate chan struct{}

	// Err, if non-nil, is returned by Generate.
	Err error

	// Requests records every call.
	Requests []generate.Request
}

var _ generate.Generator = (*Generator)(nil)

// Texts is a convenience for building a fragment list.
func Texts(texts ...string) []types.Fragment {
	out := make([]types.Fragment, len(texts))
	for i, t := range texts {
		out[i] = types.Fragment{Text: t}
	}
	return out
}

// Generate records req and streams the configured fragments.
func (g *Generator) Generate(ctx context.Context, req generate.Request) (<-chan types.Fragment, error) {
	g.mu.Lock()
	g.Requests = append(g.Requests, req)
	frags := g.Fragments
	if g.FragmentsFunc != nil {
		frags = g.FragmentsFunc(req)
	}
	delay, hang, gate, err := g.Delay, g.Hang, g.Gate, g.Err
	g.mu.Unlock()

	if err != nil {
		return nil, err
	}
	out := make(chan types.Fragment)
	go func() {
		defer close(out)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		for _, f := range frags {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
		if hang {
			<-ctx.Done()
		}
	}()
	return out, nil
}

// Calls returns a copy of the recorded requests. Thread-safe.
func (g *Generator) Calls() []generate.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]generate.Request(nil), g.Requests...)
}
