// Package circuitbreaker guards external plugin processes. A plugin whose
// process keeps crashing or emitting garbage is short-circuited for a while
// instead of being respawned on every call.
//
//	closed    → open       after Threshold consecutive transport failures
//	open      → half_open  once Timeout has elapsed
//	half_open → closed     on the first success
//	half_open → open       on any failure
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
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

// Defaults applied by New for zero values.
const (
	DefaultThreshold = 5
	DefaultTimeout   = 30 * time.Second
)

// ErrOpen is returned by callers that were short-circuited.
var ErrOpen = errors.New("circuit open")

// Config tunes a Breaker.
type Config struct {
	Threshold int
	Timeout   time.Duration
	// OnChange is called outside the lock after every state transition.
	OnChange func(from, to State)
	Now      func() time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	openUntil time.Time
	probing   bool
}

// New creates a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to := b.resolveLocked()
	b.mu.Unlock()
	b.notify(from, to)
	return to
}

// resolveLocked moves an expired open breaker to half_open.
func (b *Breaker) resolveLocked() (from, to State) {
	from = b.state
	if b.state == StateOpen && !b.cfg.Now().Before(b.openUntil) {
		b.state = StateHalfOpen
		b.probing = false
	}
	return from, b.state
}

// Allow reports whether a call may proceed. In half_open a single probe is
// let through until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from, to := b.resolveLocked()
	ok := true
	switch to {
	case StateOpen:
		ok = false
	case StateHalfOpen:
		if b.probing {
			ok = false
		} else {
			b.probing = true
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
	return ok
}

// Success records a call that reached the plugin.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probing = false
	b.state = StateClosed
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

// Failure records a transport failure.
func (b *Breaker) Failure() {
	b.mu.Lock()
	from := b.state
	b.probing = false
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.tripLocked()
		}
	case StateHalfOpen:
		b.tripLocked()
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// Abandon releases a half_open probe whose outcome is unknown.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) tripLocked() {
	b.state = StateOpen
	b.openUntil = b.cfg.Now().Add(b.cfg.Timeout)
	b.failures = 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnChange != nil {
		b.cfg.OnChange(from, to)
	}
}
