// Package safety isolates the host from misbehaving extensions. It
// provides a per-extension circuit breaker, a manager that combines
// breakers with manual disabling and panic accounting, and a panic
// containment wrapper for extension calls.
package safety

import (
	"sync/atomic"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	// StateClosed allows calls and counts failures.
	StateClosed BreakerState = iota
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows probe calls to test recovery.
	StateHalfOpen
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
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

// BreakerConfig holds the breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that
	// opens a closed circuit.
	FailureThreshold int64
	// SuccessThreshold is the number of consecutive half-open
	// successes that closes the circuit again.
	SuccessThreshold int64
	// Cooldown is how long an open circuit rejects calls before the
	// next eligibility check moves it to half-open.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
	}
}

// Breaker is a per-extension circuit breaker. All counters and the
// state word are atomics: eligibility checks happen on every call and
// must never block behind a slow caller holding a lock.
//
// Counters are authoritative only in the state they belong to:
// failures while Closed, successes while HalfOpen. Entering a state
// resets the counters it owns.
type Breaker struct {
	name string
	cfg  BreakerConfig

	state     atomic.Int32
	failures  atomic.Int64
	successes atomic.Int64
	changedAt atomic.Int64 // unix nanos of the last state change
}

// NewBreaker creates a closed breaker. Zero thresholds fall back to
// the defaults.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	b := &Breaker{name: name, cfg: cfg}
	b.changedAt.Store(time.Now().UnixNano())
	return b
}

// Name returns the breaker's identity.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. An open breaker whose
// cooldown has elapsed transitions to half-open lazily, during this
// check; half-open admits every check.
func (b *Breaker) Allow() bool {
	switch BreakerState(b.state.Load()) {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		changed := time.Unix(0, b.changedAt.Load())
		if time.Since(changed) >= b.cfg.Cooldown {
			// Lost races are fine: the winner performed the same move.
			b.transition(StateOpen, StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	switch BreakerState(b.state.Load()) {
	case StateClosed:
		b.failures.Store(0)
	case StateHalfOpen:
		if b.successes.Add(1) >= b.cfg.SuccessThreshold {
			b.transition(StateHalfOpen, StateClosed)
		}
	}
}

// RecordFailure notes a failed call.
func (b *Breaker) RecordFailure() {
	switch BreakerState(b.state.Load()) {
	case StateClosed:
		if b.failures.Add(1) >= b.cfg.FailureThreshold {
			b.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		// Any half-open failure reopens immediately.
		b.transition(StateHalfOpen, StateOpen)
	}
}

// Reset forces the breaker closed with zeroed counters.
func (b *Breaker) Reset() {
	b.state.Store(int32(StateClosed))
	b.failures.Store(0)
	b.successes.Store(0)
	b.changedAt.Store(time.Now().UnixNano())
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// transition moves from one state to another with a compare-and-swap,
// so concurrent observers elect exactly one winner.
func (b *Breaker) transition(from, to BreakerState) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	b.changedAt.Store(time.Now().UnixNano())
	switch to {
	case StateClosed:
		b.failures.Store(0)
		b.successes.Store(0)
	case StateHalfOpen:
		b.successes.Store(0)
	}
	return true
}

// BreakerStatus is a point-in-time snapshot of a breaker.
type BreakerStatus struct {
	Name      string       `json:"name"`
	State     BreakerState `json:"-"`
	StateName string       `json:"state"`
	Failures  int64        `json:"failures"`
	Successes int64        `json:"successes"`
	ChangedAt time.Time    `json:"changed_at"`
}

// Status returns a snapshot of the breaker's state and counters.
func (b *Breaker) Status() BreakerStatus {
	state := BreakerState(b.state.Load())
	return BreakerStatus{
		Name:      b.name,
		State:     state,
		StateName: state.String(),
		Failures:  b.failures.Load(),
		Successes: b.successes.Load(),
		ChangedAt: time.Unix(0, b.changedAt.Load()),
	}
}
