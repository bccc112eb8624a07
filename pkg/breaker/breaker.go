// Package breaker implements the per-backend circuit breaker registry that
// gates calls to failing backends. Breakers are keyed by backend name, created
// lazily on the first observation, and survive configuration reloads.
package breaker

import (
	"sync"
	"time"
)

// State is the lifecycle position of one backend's breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Defaults applied when Options omit a value.
const (
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 60 * time.Second
	DefaultResetWindow      = 30 * time.Second
)

// Decision is the outcome of a CanCall check. RetryAfter is only meaningful
// when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Options tune a Registry. The zero value (or nil) selects the defaults.
type Options struct {
	// FailureThreshold is the consecutive-failure count that opens a breaker.
	FailureThreshold int
	// FailureWindow bounds how long failures accumulate; a failure older than
	// the window does not count toward the threshold.
	FailureWindow time.Duration
	// ResetWindow is the cool-down before an open breaker admits a probe.
	ResetWindow time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = DefaultFailureWindow
	}
	if opts.ResetWindow <= 0 {
		opts.ResetWindow = DefaultResetWindow
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return opts
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
}

// Registry tracks breaker state for every backend. All methods are safe for
// concurrent use from interleaved tool invocations.
type Registry struct {
	opts Options

	mu       sync.Mutex
	backends map[string]*entry
}

// NewRegistry builds a Registry; opts may be nil.
func NewRegistry(opts *Options) *Registry {
	return &Registry{
		opts:     opts.withDefaults(),
		backends: make(map[string]*entry),
	}
}

func (r *Registry) entryLocked(name string) *entry {
	e, ok := r.backends[name]
	if !ok {
		e = &entry{state: StateClosed}
		r.backends[name] = e
	}
	return e
}

// RecordFailure notes one terminal call failure for the backend. Failures
// older than the failure window are discarded before counting, so a slow
// trickle of errors never opens the breaker. A failure while half-open is a
// failed probe and reopens the breaker immediately.
func (r *Registry) RecordFailure(name string) {
	now := r.opts.Clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(name)
	if e.state == StateHalfOpen {
		// Single-strike probe: straight back to open.
		e.state = StateOpen
		e.openedAt = now
		e.failures = r.opts.FailureThreshold
		e.lastFailure = now
		return
	}
	if !e.lastFailure.IsZero() && now.Sub(e.lastFailure) > r.opts.FailureWindow {
		e.failures = 0
	}
	e.failures++
	e.lastFailure = now
	if e.state == StateClosed && e.failures >= r.opts.FailureThreshold {
		e.state = StateOpen
		e.openedAt = now
	}
}

// RecordSuccess notes one terminal call success, zeroing the failure count
// and closing the breaker regardless of its previous state.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(name)
	e.state = StateClosed
	e.failures = 0
	e.lastFailure = time.Time{}
}

// CanCall decides whether a call attempt may proceed. An open breaker denies
// until the reset window elapses, then admits exactly one probe (transitioning
// to half-open); the probe's RecordSuccess/RecordFailure decides what follows.
func (r *Registry) CanCall(name string) Decision {
	now := r.opts.Clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(name)
	switch e.state {
	case StateClosed:
		return Decision{Allowed: true}
	case StateHalfOpen:
		// A probe is already in flight; hold further traffic back.
		return Decision{Allowed: false, RetryAfter: r.opts.ResetWindow}
	default: // StateOpen
		elapsed := now.Sub(e.openedAt)
		if elapsed >= r.opts.ResetWindow {
			e.state = StateHalfOpen
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, RetryAfter: r.opts.ResetWindow - elapsed}
	}
}

// StateOf reports the current state for one backend without side effects.
// Unknown backends are closed.
func (r *Registry) StateOf(name string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.backends[name]; ok {
		return e.state
	}
	return StateClosed
}

// Snapshot returns the state of every backend the registry has observed,
// for the health endpoint.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.backends))
	for name, e := range r.backends {
		out[name] = e.state
	}
	return out
}
