package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, block requests (fail fast)
	CircuitHalfOpen                     // Testing recovery, allow one probe request
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open. It is terminal
// for the current call: the executor never retries it.
var ErrCircuitOpen = errors.New("circuit_open")

// CircuitBreaker prevents repeated calls to a failing dependency. Consecutive
// failures while CLOSED trip it OPEN; after the open timeout elapses it moves
// to HALF_OPEN and admits exactly one probe call. A successful probe closes
// the circuit, a failed probe reopens it and resets the timer.
//
// Breakers are shared process-wide (all requests hitting the same named
// operation share one breaker), so every transition happens under the mutex.
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	probeInFlight    bool
	lastFailureTime  time.Time
	lastStateChange  time.Time
	failureThreshold int
	openTimeout      time.Duration

	// onTransition, when set, observes every state change. Runs under the
	// breaker's lock and must not call back into the breaker.
	onTransition func(from, to CircuitState)
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and stays open for openTimeout.
func NewCircuitBreaker(failureThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
		lastStateChange:  time.Now(),
	}
}

// Allow checks whether a request may proceed. Returns ErrCircuitOpen when the
// circuit is open, or when it is half-open and the single probe slot is
// already taken.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.openTimeout {
			cb.transitionToHalfOpen()
			cb.probeInFlight = true
			return nil
		}
		return ErrCircuitOpen

	case CircuitHalfOpen:
		if cb.probeInFlight {
			// One probe at a time while recovering.
			return ErrCircuitOpen
		}
		cb.probeInFlight = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0

	case CircuitHalfOpen:
		// Probe succeeded, dependency has recovered.
		cb.transitionToClosed()
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionToOpen()
		}

	case CircuitHalfOpen:
		// Any failure in half-open immediately reopens the circuit.
		cb.transitionToOpen()
	}
}

// ReleaseProbe frees the half-open probe slot when the probe was abandoned
// without a verdict (the caller canceled before the operation finished). The
// circuit stays half-open and the next caller becomes the probe. No-op in
// any other state.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.probeInFlight = false
	}
}

// FailProbe settles a half-open probe that completed with an error the
// executor does not otherwise count toward tripping. A probe that ran must
// still reach a verdict, so the circuit reopens. No-op in any other state.
func (cb *CircuitBreaker) FailProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.lastFailureTime = time.Now()
		cb.transitionToOpen()
	}
}

// State returns the current state (for monitoring and tests).
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns the current state and consecutive failure count.
func (cb *CircuitBreaker) Metrics() (state CircuitState, failures int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failureCount
}

// transitionToClosed moves the circuit to closed state (must be called with lock held)
func (cb *CircuitBreaker) transitionToClosed() {
	from := cb.state
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.probeInFlight = false
	cb.lastStateChange = time.Now()
	cb.notify(from, CircuitClosed)
}

// transitionToOpen moves the circuit to open state (must be called with lock held)
func (cb *CircuitBreaker) transitionToOpen() {
	from := cb.state
	cb.state = CircuitOpen
	cb.probeInFlight = false
	cb.lastStateChange = time.Now()
	cb.notify(from, CircuitOpen)
}

// transitionToHalfOpen moves the circuit to half-open state (must be called with lock held)
func (cb *CircuitBreaker) transitionToHalfOpen() {
	from := cb.state
	cb.state = CircuitHalfOpen
	cb.probeInFlight = false
	cb.lastStateChange = time.Now()
	cb.notify(from, CircuitHalfOpen)
}

// notify invokes the transition observer for real state changes (must be
// called with lock held).
func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if cb.onTransition != nil && from != to {
		cb.onTransition(from, to)
	}
}

// Registry holds named circuit breakers. One breaker exists per operation
// name; all call sites using the same name share failure state. The registry
// is created at startup and passed to the executor, never kept as a package
// global.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	hook     func(name string, from, to CircuitState)
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// OnTransition installs a state-change observer on breakers created after
// the call. Install once at startup, before the registry serves traffic.
// The hook runs under the owning breaker's lock and must not call back into
// the breaker or the registry.
func (r *Registry) OnTransition(hook func(name string, from, to CircuitState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

// Get returns the breaker for the named operation, creating it with the
// given settings on first use. Settings are fixed at creation; later callers
// with different settings share the existing breaker.
func (r *Registry) Get(name string, failureThreshold int, openTimeout time.Duration) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(failureThreshold, openTimeout)
	if r.hook != nil {
		hook := r.hook
		cb.onTransition = func(from, to CircuitState) { hook(name, from, to) }
	}
	r.breakers[name] = cb
	return cb
}

// States returns a snapshot of every registered breaker's state, keyed by
// operation name.
func (r *Registry) States() map[string]CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]CircuitState, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}
