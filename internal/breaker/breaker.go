// Package breaker implements the per-target three-state circuit breaker.
//
// A breaker only reacts to execution outcomes reported by the dispatcher.
// Failures accumulate while Closed and are cleared only when a half-open trial
// succeeds; a success while Closed leaves the counter untouched.
package breaker

import (
	"sync"
	"time"
)

// State is the closed set of breaker states.
type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings configures one breaker.
type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// TransitionFunc observes state changes. It is invoked without the breaker
// lock held.
type TransitionFunc func(name string, from, to State)

// Stats is a point-in-time copy of a breaker's state.
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	ResetTimeout     string    `json:"reset_timeout"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
}

// Breaker guards calls to a single target.
type Breaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
	onTransition TransitionFunc

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailure   time.Time
	trialInFlight bool
}

// Option customises a breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithTransitionHook registers a state-change observer.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(b *Breaker) {
		b.onTransition = fn
	}
}

// New returns a Closed breaker.
func New(name string, settings Settings, opts ...Option) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = time.Minute
	}
	b := &Breaker{
		name:         name,
		threshold:    settings.FailureThreshold,
		resetTimeout: settings.ResetTimeout,
		now:          time.Now,
		state:        Closed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Name returns the target this breaker protects.
func (b *Breaker) Name() string { return b.name }

// CanExecute reports whether a call may proceed. An Open breaker whose reset
// timeout has elapsed moves to HalfOpen and grants the caller the single trial
// slot; while that trial is outstanding every other caller is refused.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	var from, to State
	changed := false
	allowed := false
	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if b.now().Sub(b.lastFailure) >= b.resetTimeout {
			from, to, changed = b.state, HalfOpen, true
			b.state = HalfOpen
			b.trialInFlight = true
			allowed = true
		}
	case HalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
	return allowed
}

// Admits is the side-effect free admission check used at submission time: it
// refuses only while the breaker is Open and the reset timeout has not yet
// elapsed.
func (b *Breaker) Admits() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return true
	}
	return b.now().Sub(b.lastFailure) >= b.resetTimeout
}

// Release returns a trial slot granted by CanExecute when no call was made.
func (b *Breaker) Release() {
	b.mu.Lock()
	if b.state == HalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// RecordSuccess closes a half-open breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	if b.state != HalfOpen {
		b.mu.Unlock()
		return
	}
	b.state = Closed
	b.failureCount = 0
	b.trialInFlight = false
	b.mu.Unlock()
	b.notify(HalfOpen, Closed)
}

// RecordFailure counts a failure and opens the breaker once the threshold is
// reached. A failed half-open trial reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failureCount++
	b.lastFailure = b.now()
	from := b.state
	if b.state == HalfOpen || (b.state == Closed && b.failureCount >= b.threshold) {
		b.state = Open
	}
	b.trialInFlight = false
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// State returns the current state without triggering transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		FailureThreshold: b.threshold,
		ResetTimeout:     b.resetTimeout.String(),
		LastFailure:      b.lastFailure,
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}
