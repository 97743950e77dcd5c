// Package resilience keeps a session alive when an upstream capability
// misbehaves. It provides a three-state [Breaker], ordered provider failover
// through [Group], and the single-retry policy applied to transient synthesis
// and transcription failures.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls until the cool-down elapses.
	Open

	// HalfOpen lets a limited number of probe calls through.
	HalfOpen
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero values take defaults.
type BreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// Threshold is the number of consecutive failures that opens the breaker.
	// Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls required to close
	// again. Default: 2.
	Probes int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker's lock released.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now.
	Now func() time.Time
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int
	passed   int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker is open. The error returned by fn is passed
// through unchanged and counted as a failure when non-nil.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probe, err == nil)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var from State
	changed := false
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		from, changed = b.state, true
		b.state = HalfOpen
		b.inFlight, b.passed = 0, 0
	}
	switch b.state {
	case Open:
		b.mu.Unlock()
		return false, ErrOpen
	case HalfOpen:
		if b.inFlight >= b.cfg.Probes {
			b.mu.Unlock()
			b.notify(changed, from, HalfOpen)
			return false, ErrOpen
		}
		b.inFlight++
		probe = true
	}
	b.mu.Unlock()
	b.notify(changed, from, HalfOpen)
	return probe, nil
}

func (b *Breaker) settle(probe, ok bool) {
	b.mu.Lock()
	from := b.state
	switch {
	case probe && ok:
		b.inFlight--
		b.passed++
		if b.passed >= b.cfg.Probes && b.state == HalfOpen {
			b.state = Closed
			b.failures = 0
		}
	case probe:
		b.inFlight--
		b.trip()
	case ok:
		b.failures = 0
	default:
		b.failures++
		if b.state == Closed && b.failures >= b.cfg.Threshold {
			b.trip()
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from != to, from, to)
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.cfg.Now()
	b.inFlight, b.passed = 0, 0
}

func (b *Breaker) notify(changed bool, from, to State) {
	if !changed {
		return
	}
	slog.Info("circuit breaker state changed",
		"name", b.cfg.Name, "from", from.String(), "to", to.String())
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State reports the current state. An open breaker whose cool-down has
// elapsed reports [HalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures, b.inFlight, b.passed = 0, 0, 0
	b.mu.Unlock()
	b.notify(from != Closed, from, Closed)
}
