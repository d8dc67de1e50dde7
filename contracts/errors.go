package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueClosed  = errors.New("queue: closed")
	ErrShuttingDown = errors.New("processor: shutting down")
)

// ErrorKind tags an error category for attempt history and metrics.
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient"
	KindFatal       ErrorKind = "fatal"
	KindIntegrity   ErrorKind = "integrity"
	KindCircuitOpen ErrorKind = "circuit-open"
	KindShutdown    ErrorKind = "shutdown"
)

// TransientError marks a failure worth retrying: network faults, timeouts,
// overloaded downstreams.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// FatalError marks a failure that retrying cannot fix: malformed payloads,
// unsupported operations. Items fail straight to the dead letter store.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a non-retryable failure.
func Fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// IntegrityError marks a digest or signature mismatch. It is never retried
// and is surfaced with higher severity than ordinary failures, since it
// indicates potential tampering.
type IntegrityError struct {
	ItemID string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for item %s: %s", e.ItemID, e.Reason)
}

// CircuitOpenError is the breaker's pre-emptive rejection. No downstream
// call was made, so it is neither a sink failure nor a consumed attempt.
type CircuitOpenError struct {
	Name             string
	Failures         int
	FailureThreshold int
	OpenedUntil      time.Time
}

func (e *CircuitOpenError) Error() string {
	retryIn := time.Until(e.OpenedUntil).Round(time.Millisecond)
	return fmt.Sprintf("circuit breaker %q open: call blocked (failures=%d/%d, retry in %v)",
		e.Name, e.Failures, e.FailureThreshold, retryIn)
}

// BackpressureError is returned to producers when the work queue is at
// capacity and the queue is configured to reject rather than block.
type BackpressureError struct {
	Capacity int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("queue at capacity (%d), item rejected", e.Capacity)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is permanent.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsIntegrity reports whether err is an integrity failure.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// IsBackpressure reports whether err is a queue-full rejection.
func IsBackpressure(err error) bool {
	var be *BackpressureError
	return errors.As(err, &be)
}

// Kind maps an error to its taxonomy tag for history and metrics.
func Kind(err error) ErrorKind {
	switch {
	case IsIntegrity(err):
		return KindIntegrity
	case IsCircuitOpen(err):
		return KindCircuitOpen
	case IsFatal(err):
		return KindFatal
	default:
		return KindTransient
	}
}
