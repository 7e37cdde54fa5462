// Package circuitbreaker tracks consecutive failures per key and stops
// traffic to keys that keep failing.
//
// A key moves closed -> open after Threshold failures, open -> half-open
// once the cool-down elapses, and half-open -> closed (or back to open)
// on the outcome of the single probe it admits.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by callers that refuse work for an open key.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is a key's circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// TransitionFunc observes state changes. It runs with the breaker unlocked.
type TransitionFunc func(key string, from, to State)

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	threshold int
	coolDown  time.Duration
	now       func() time.Time
	observe   TransitionFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithObserver registers fn for state changes.
func WithObserver(fn TransitionFunc) Option {
	return func(b *Breaker) { b.observe = fn }
}

// New returns a breaker that opens after threshold consecutive failures
// and probes again after coolDown.
func New(threshold int, coolDown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	b := &Breaker{
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether work for key may proceed. An open key whose
// cool-down has elapsed admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return true
	}
	var allowed bool
	var from State
	changed := false
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.coolDown {
			from, changed = e.state, true
			e.state = StateHalfOpen
			allowed = true
		}
	case StateHalfOpen:
		allowed = false
	default:
		allowed = true
	}
	b.mu.Unlock()
	if changed {
		b.notify(key, from, StateHalfOpen)
	}
	return allowed
}

// Success closes key's circuit and clears its failure count.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	from := e.state
	e.state = StateClosed
	e.failures = 0
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(key, from, StateClosed)
	}
}

// Failure counts a failure for key, opening the circuit at the threshold
// or when a half-open probe fails.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()
	from := e.state
	if from == StateHalfOpen || (from == StateClosed && e.failures >= b.threshold) {
		e.state = StateOpen
	}
	to := e.state
	b.mu.Unlock()
	if from != to {
		b.notify(key, from, to)
	}
}

// State returns key's current state. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

func (b *Breaker) notify(key string, from, to State) {
	if b.observe != nil {
		b.observe(key, from, to)
	}
}
