package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/glimte/auditflow-go/contracts"
)

// JitterStrategy selects how computed backoff delays are randomized to
// avoid synchronized retry storms.
type JitterStrategy int

const (
	// FullJitter draws uniformly from [0, delay].
	FullJitter JitterStrategy = iota
	// EqualJitter draws uniformly from [delay/2, delay].
	EqualJitter
	// NoJitter returns the computed delay unchanged.
	NoJitter
)

func (j JitterStrategy) String() string {
	switch j {
	case FullJitter:
		return "full"
	case EqualJitter:
		return "equal"
	case NoJitter:
		return "none"
	default:
		return "unknown"
	}
}

// Policy is an immutable retry configuration value. MaxAttempts bounds the
// total number of tries including the first one.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       JitterStrategy
}

// DefaultPolicy returns the engine default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       FullJitter,
	}
}

// BaseDelay computes min(maxDelay, initialDelay * multiplier^attempt) for
// a zero-based attempt index, before jitter.
func (p Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// NextDelay returns the jittered delay before attempt+1.
func (p Policy) NextDelay(attempt int) time.Duration {
	delay := p.BaseDelay(attempt)
	switch p.Jitter {
	case FullJitter:
		return time.Duration(rand.Int63n(int64(delay) + 1))
	case EqualJitter:
		half := delay / 2
		return half + time.Duration(rand.Int63n(int64(half)+1))
	default:
		return delay
	}
}

// ShouldRetry reports whether another attempt is allowed after a failure
// on the given zero-based attempt index. Only transient errors qualify;
// fatal and integrity failures short-circuit regardless of budget.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if attempt+1 >= p.MaxAttempts {
		return false
	}
	return contracts.IsTransient(err)
}

// Retry executes fn until it succeeds, exhausts the policy, or hits a
// non-transient error, sleeping the jittered backoff between attempts.
// Call sites that cannot afford to park a goroutine for the backoff use
// the processor's retry scheduler instead.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !policy.ShouldRetry(attempt, err) {
			return lastErr
		}

		select {
		case <-time.After(policy.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}
