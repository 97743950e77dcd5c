// Package calllog persists completed turns so a call can be reviewed after
// it ends.
//
// The log is append-only and written off the audio path: a failing store
// never fails a turn.
package calllog

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Entry is one completed turn.
type Entry struct {
	SessionID string    `json:"session_id"`
	Ordinal   int       `json:"turn"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Greeting  bool      `json:"greeting,omitempty"`
	Language  string    `json:"language"`
	Mode      string    `json:"mode"`
	Started   time.Time `json:"started"`

	// Latency is the time from the end of the caller's input to the end of
	// the reply.
	Latency time.Duration `json:"latency"`
}

// SearchOpts narrows [Store.Search]. Zero values mean no filter.
type SearchOpts struct {
	SessionID string
	After     time.Time
	Before    time.Time
	Limit     int
}

// Store is the turn log. Implementations must be safe for concurrent use.
type Store interface {
	// Append records e.
	Append(ctx context.Context, e Entry) error

	// Session returns the turns of one session, oldest first. Returns an
	// empty (non-nil) slice for an unknown session.
	Session(ctx context.Context, sessionID string) ([]Entry, error)

	// Search matches query against inputs and outputs, oldest first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error)
}

// Memory is an in-process [Store]. Search is a case-insensitive substring
// match.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
}

var _ Store = (*Memory)(nil)

// Append implements [Store].
func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Session implements [Store].
func (m *Memory) Session(_ context.Context, sessionID string) ([]Entry, error) {
	return m.filter(func(e Entry) bool { return e.SessionID == sessionID }, 0), nil
}

// Search implements [Store].
func (m *Memory) Search(_ context.Context, query string, opts SearchOpts) ([]Entry, error) {
	q := strings.ToLower(query)
	return m.filter(func(e Entry) bool {
		switch {
		case opts.SessionID != "" && e.SessionID != opts.SessionID:
			return false
		case !opts.After.IsZero() && !e.Started.After(opts.After):
			return false
		case !opts.Before.IsZero() && !e.Started.Before(opts.Before):
			return false
		}
		return strings.Contains(strings.ToLower(e.Input), q) || strings.Contains(strings.ToLower(e.Output), q)
	}, opts.Limit), nil
}

func (m *Memory) filter(keep func(Entry) bool, limit int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Entry{}
	for _, e := range m.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b Entry) int { return a.Started.Compare(b.Started) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
