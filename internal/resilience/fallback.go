package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxline/internal/observe"
)

// ErrExhausted is returned when every member of a [Group] failed or was
// skipped by its breaker.
var ErrExhausted = errors.New("resilience: all providers failed")

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group tries a list of interchangeable providers in registration order, each
// guarded by its own [Breaker].
type Group[T any] struct {
	cfg     BreakerConfig
	members []member[T]
}

// NewGroup returns a group whose first member is primary. cfg is the template
// for every member's breaker; its Name is replaced by the member name.
func NewGroup[T any](primaryName string, primary T, cfg BreakerConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback. Add must not be called concurrently with Call.
func (g *Group[T]) Add(name string, value T) {
	c := g.cfg
	c.Name = name
	g.members = append(g.members, member[T]{name: name, value: value, breaker: NewBreaker(c)})
}

// Names returns the member names in try order.
func (g *Group[T]) Names() []string {
	out := make([]string, len(g.members))
	for i, m := range g.members {
		out[i] = m.name
	}
	return out
}

// Call runs fn against each member until one succeeds. A cancelled ctx stops
// the walk and returns ctx.Err().
func Call[T, R any](ctx context.Context, g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range g.members {
		m := &g.members[i]
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := m.breaker.Do(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrOpen) {
			observe.Logger(ctx).Debug("provider skipped, circuit open", "provider", m.name)
		} else {
			observe.Logger(ctx).Warn("provider failed, trying next", "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}
