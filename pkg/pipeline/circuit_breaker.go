package pipeline

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// CircuitState represents the current state of a circuit breaker.
type CircuitState int32

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Failing, reject requests
	StateHalfOpen                     // Testing if recovery possible
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops calling a failing dependency until a cool-down has
// passed. The broker puts one in front of each partition's flush so that a
// failing sink leaves data in memory instead of stealing it.
type CircuitBreaker struct {
	name string

	// Configuration
	maxFailures  uint32        // Failures before opening
	timeout      time.Duration // Time to wait before half-open
	successesReq uint32        // Successes needed in half-open to close

	// OnStateChange, when set, is called after every transition.
	OnStateChange func(name string, from, to CircuitState)

	// State
	state        atomic.Int32  // CircuitState
	failures     atomic.Uint32 // Current failure count
	successes    atomic.Uint32 // Successes in half-open state
	lastFailTime atomic.Int64  // Unix nano of last failure

	// Metrics
	totalCalls   atomic.Uint64
	totalSuccess atomic.Uint64
	totalReject  atomic.Uint64
}

// NewCircuitBreaker creates a circuit breaker with the given parameters.
// Zero values fall back to 5 failures, 10s timeout and 2 successes.
func NewCircuitBreaker(name string, maxFailures uint32, timeout time.Duration, successesReq uint32) *CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if successesReq == 0 {
		successesReq = 2
	}

	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		timeout:      timeout,
		successesReq: successesReq,
	}
	cb.state.Store(int32(StateClosed))
	return cb
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker is open. fn is not called while open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.totalCalls.Add(1)

	if CircuitState(cb.state.Load()) == StateOpen {
		lastFail := time.Unix(0, cb.lastFailTime.Load())
		if time.Since(lastFail) <= cb.timeout {
			cb.totalReject.Add(1)
			return ErrOpen
		}
		if cb.transition(StateOpen, StateHalfOpen) {
			cb.successes.Store(0)
		}
	}

	if err := fn(); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) transition(from, to CircuitState) bool {
	if !cb.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(cb.name, from, to)
	}
	return true
}

func (cb *CircuitBreaker) onFailure() {
	failures := cb.failures.Add(1)
	cb.lastFailTime.Store(time.Now().UnixNano())

	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		if failures >= cb.maxFailures {
			cb.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		// one failure while probing reopens
		if cb.transition(StateHalfOpen, StateOpen) {
			cb.failures.Store(0)
			cb.successes.Store(0)
		}
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.totalSuccess.Add(1)

	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		cb.failures.Store(0)
	case StateHalfOpen:
		if cb.successes.Add(1) >= cb.successesReq && cb.transition(StateHalfOpen, StateClosed) {
			cb.failures.Store(0)
			cb.successes.Store(0)
		}
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// CircuitStats is a point-in-time view of a breaker.
type CircuitStats struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	Failures     uint32 `json:"failures"`
	TotalCalls   uint64 `json:"totalCalls"`
	TotalSuccess uint64 `json:"totalSuccess"`
	TotalReject  uint64 `json:"totalReject"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitStats {
	return CircuitStats{
		Name:         cb.name,
		State:        cb.State().String(),
		Failures:     cb.failures.Load(),
		TotalCalls:   cb.totalCalls.Load(),
		TotalSuccess: cb.totalSuccess.Load(),
		TotalReject:  cb.totalReject.Load(),
	}
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	if prev := CircuitState(cb.state.Swap(int32(StateClosed))); prev != StateClosed && cb.OnStateChange != nil {
		cb.OnStateChange(cb.name, prev, StateClosed)
	}
	cb.failures.Store(0)
	cb.successes.Store(0)
}
