// Package circuitbreaker guards an RPC endpoint against hammering a node
// that is already failing. After enough consecutive failures the breaker
// trips and requests fail fast until a cooldown elapses, then a probe
// request decides whether to close again.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker is rejecting requests.
var ErrOpen = fmt.Errorf("circuit breaker is open")

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
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker while closed.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in half-open
	// state needed to close again.
	SuccessThreshold int

	// Cooldown is how long the breaker rejects requests after tripping
	// before it lets a probe through.
	Cooldown time.Duration

	// OnStateChange, when set, is invoked on every state transition.
	OnStateChange func(from, to State)
}

type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state       State
	failures    int
	successes   int
	lastFailure time.Time

	// now is replaced in tests to cross the cooldown without sleeping.
	now func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// SetNow overrides the breaker's clock. Test use only.
func (b *Breaker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Do runs fn under the breaker, recording its outcome. While the breaker is
// open it returns ErrOpen without calling fn.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Allow reports whether a request may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveState() != StateOpen
}

// State returns the current state, taking cooldown expiry into account.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveState()
}

// effectiveState maps an expired open state to half-open. Callers hold b.mu.
func (b *Breaker) effectiveState() State {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.successes++

	if b.effectiveState() == StateHalfOpen && b.successes >= b.cfg.SuccessThreshold {
		b.transition(StateClosed)
		b.successes = 0
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.effectiveState()
	b.successes = 0
	b.failures++
	b.lastFailure = b.now()

	switch state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// A failed probe reopens immediately.
		b.state = StateHalfOpen
		b.transition(StateOpen)
	}
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.transition(StateClosed)
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(prev, next)
	}
}
