package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/auditflow-go/contracts"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
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

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

// StateChangeFunc adapts a function to StateChangeListener
type StateChangeFunc func(from, to State, reason string)

func (f StateChangeFunc) OnStateChange(from, to State, reason string) { f(from, to, reason) }

// CircuitBreaker protects a sink from being hammered while it is failing.
// One breaker instance guards one sink and is shared by every worker; all
// transitions happen inside a single narrow critical section so that
// concurrent callers observe a consistent state.
type CircuitBreaker struct {
	mu              sync.RWMutex
	state           State
	failures        int
	successes       int
	inFlightTrials  int
	lastFailureTime time.Time
	lastTransition  time.Time
	openedUntil     time.Time
	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	trips           int64

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	trialConcurrency int
	name             string

	listeners []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the consecutive successes that close a
// half-open circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithOpenTimeout sets how long the circuit stays open before admitting
// trial calls
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithTrialConcurrency sets the max in-flight calls in half-open state
func WithTrialConcurrency(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.trialConcurrency = n
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChangeListener registers a state change listener
func WithStateChangeListener(l StateChangeListener) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listeners = append(cb.listeners, l)
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 3,
		openTimeout:      30 * time.Second,
		trialConcurrency: 1,
		name:             "default",
		lastTransition:   time.Now(),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn with circuit breaker protection. While the circuit is
// open it returns a contracts.CircuitOpenError without invoking fn; that
// rejection is a pre-emptive refusal, not a probe of the sink, so it is
// never recorded as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	cb.totalRequests++
	cb.mu.Unlock()

	admitted, err := cb.admit()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		if admitted {
			cb.releaseTrial()
		}
		return ctx.Err()
	default:
	}

	err = fn()
	cb.recordResult(admitted, err)
	return err
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns consecutive failures, consecutive successes and the
// last failure time
func (cb *CircuitBreaker) GetStats() (failures, successes int, lastFailure time.Time) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures, cb.successes, cb.lastFailureTime
}

// Reset forces the breaker back to closed with cleared counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.inFlightTrials = 0
	cb.lastTransition = time.Now()
}

// admit decides whether a call may proceed. The second return is true when
// the call took a half-open trial slot that must be released on result.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if time.Now().Before(cb.openedUntil) {
			return false, cb.openErrorLocked()
		}
		// Timeout elapsed: admit this call as the first trial.
		cb.transitionLocked(StateHalfOpen, "open timeout expired")
		cb.successes = 0
		cb.inFlightTrials = 1
		return true, nil

	case StateHalfOpen:
		if cb.inFlightTrials >= cb.trialConcurrency {
			return false, cb.openErrorLocked()
		}
		cb.inFlightTrials++
		return true, nil

	default:
		return false, fmt.Errorf("circuit breaker %q: unknown state %d", cb.name, cb.state)
	}
}

// releaseTrial gives back a half-open slot when the call never ran.
func (cb *CircuitBreaker) releaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.inFlightTrials > 0 {
		cb.inFlightTrials--
	}
}

// recordResult records the result of an executed call. tookTrialSlot says
// whether the call held a half-open trial slot from admit: a call admitted
// while closed can resolve after the breaker has tripped and re-entered
// half-open, and such a stale result must neither free a trial slot nor
// count toward the trial thresholds.
func (cb *CircuitBreaker) recordResult(tookTrialSlot bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if tookTrialSlot && cb.inFlightTrials > 0 {
		cb.inFlightTrials--
	}

	if err != nil {
		cb.totalFailures++
		cb.lastFailureTime = time.Now()

		switch cb.state {
		case StateClosed:
			cb.failures++
			cb.successes = 0
			if cb.failures >= cb.failureThreshold {
				cb.tripLocked(fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			// A single failed trial reopens immediately.
			if tookTrialSlot {
				cb.failures++
				cb.successes = 0
				cb.tripLocked("failure in half-open state")
			}
		}
		return
	}

	cb.totalSuccesses++

	switch cb.state {
	case StateHalfOpen:
		if !tookTrialSlot {
			return
		}
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transitionLocked(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
			cb.failures = 0
			cb.successes = 0
			cb.inFlightTrials = 0
		}
	case StateClosed:
		cb.successes++
		cb.failures = 0
	}
}

// tripLocked moves the breaker to open with a fresh cooldown window.
func (cb *CircuitBreaker) tripLocked(reason string) {
	cb.openedUntil = time.Now().Add(cb.openTimeout)
	cb.inFlightTrials = 0
	cb.trips++
	cb.transitionLocked(StateOpen, reason)
}

func (cb *CircuitBreaker) transitionLocked(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.lastTransition = time.Now()
	cb.notifyStateChange(from, to, reason)
}

func (cb *CircuitBreaker) openErrorLocked() error {
	return &contracts.CircuitOpenError{
		Name:             cb.name,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		OpenedUntil:      cb.openedUntil,
	}
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// notifyStateChange notifies all listeners of a state change
func (cb *CircuitBreaker) notifyStateChange(from, to State, reason string) {
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)

	// Notify in goroutines so a slow listener cannot hold the lock path.
	for _, listener := range listeners {
		go listener.OnStateChange(from, to, reason)
	}
}

// GetMetrics returns a snapshot of circuit breaker metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerMetrics{
		Name:             cb.name,
		State:            cb.state,
		TotalRequests:    cb.totalRequests,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
		Trips:            cb.trips,
		CurrentFailures:  cb.failures,
		CurrentSuccesses: cb.successes,
		LastFailureTime:  cb.lastFailureTime,
		LastTransition:   cb.lastTransition,
		OpenedUntil:      cb.openedUntil,
		Timestamp:        time.Now(),
	}
}

// CircuitBreakerMetrics represents a point-in-time breaker snapshot
type CircuitBreakerMetrics struct {
	Name             string
	State            State
	TotalRequests    int64
	TotalFailures    int64
	TotalSuccesses   int64
	Trips            int64
	CurrentFailures  int
	CurrentSuccesses int
	LastFailureTime  time.Time
	LastTransition   time.Time
	OpenedUntil      time.Time
	Timestamp        time.Time
}
