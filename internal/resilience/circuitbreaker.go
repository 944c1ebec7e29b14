// Package resilience keeps the client usable when a realtime backend is
// unhealthy.
//
// [CircuitBreaker] tracks the health of one backend and refuses calls while
// it is known to be failing. [FallbackGroup] orders several backends of the
// same kind, each behind its own breaker, and [S2SFallback] applies that to
// opening conversation sessions.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successful probes close the breaker; a single failed probe re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the protected backend in logs and hooks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes needed to close the breaker again.
	// Default: 3.
	HalfOpenMax int

	// Neutral marks errors that say nothing about backend health, such as a
	// cancelled caller. They are returned without being counted.
	Neutral func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Tests use it to step past the reset timeout.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	probeOK     int
	transitions []transition
}

type transition struct{ from, to State }

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero config fields get
// their documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured backend name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker refuses it, and accounts for the
// outcome. fn runs without the lock held.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.report(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it counts as a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.flush()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// report accounts for the outcome of an admitted call.
func (cb *CircuitBreaker) report(probe bool, err error) {
	if err != nil && cb.cfg.Neutral != nil && cb.cfg.Neutral(err) {
		cb.mu.Lock()
		if probe && cb.state == StateHalfOpen {
			// Give the slot back; the probe proved nothing.
			cb.probes--
		}
		cb.mu.Unlock()
		return
	}

	cb.mu.Lock()
	defer cb.flush()
	defer cb.mu.Unlock()

	switch {
	case err == nil && probe:
		if cb.state != StateHalfOpen {
			return
		}
		cb.probeOK++
		if cb.probeOK >= cb.cfg.HalfOpenMax {
			cb.setState(StateClosed)
		}
	case err == nil:
		cb.failures = 0
	case probe:
		if cb.state == StateHalfOpen {
			cb.trip()
		}
	default:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			slog.Warn("circuit breaker opened",
				"name", cb.cfg.Name, "consecutive_failures", cb.failures)
			cb.trip()
		}
	}
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.cfg.Now()
	cb.setState(StateOpen)
}

// setState moves to next and resets the per-state counters. Must be called
// with cb.mu held; the hook runs later from flush.
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.probes, cb.probeOK = 0, 0
	if next == StateClosed {
		cb.failures = 0
	}
	slog.Info("circuit breaker state changed", "name", cb.cfg.Name, "from", prev, "to", next)
	cb.transitions = append(cb.transitions, transition{from: prev, to: next})
}

// flush delivers queued transitions to the hook. Runs after the lock is
// released.
func (cb *CircuitBreaker) flush() {
	if cb.cfg.OnStateChange == nil {
		cb.mu.Lock()
		cb.transitions = nil
		cb.mu.Unlock()
		return
	}
	cb.mu.Lock()
	pending := cb.transitions
	cb.transitions = nil
	cb.mu.Unlock()
	for _, t := range pending {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	cb.flush()
}
