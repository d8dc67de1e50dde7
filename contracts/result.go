package contracts

import "time"

// Outcome classifies the terminal result of a single delivery attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryableFailure
	OutcomeFatalFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryableFailure:
		return "retryable-failure"
	case OutcomeFatalFailure:
		return "fatal-failure"
	default:
		return "unknown"
	}
}

// ProcessingResult describes what happened to one delivery attempt.
type ProcessingResult struct {
	Outcome Outcome
	Latency time.Duration
	Err     error
}

// NewProcessingResult classifies an attempt error into a result.
func NewProcessingResult(err error, latency time.Duration) ProcessingResult {
	r := ProcessingResult{Latency: latency, Err: err}
	switch {
	case err == nil:
		r.Outcome = OutcomeSuccess
	case IsTransient(err):
		r.Outcome = OutcomeRetryableFailure
	default:
		r.Outcome = OutcomeFatalFailure
	}
	return r
}
