// Package reliability provides the failure-handling primitives of the
// delivery engine.
//
//   - Circuit Breaker: stops calling a failing sink once a failure
//     threshold is crossed, periodically admitting trial calls to test
//     recovery
//   - Retry Policy: exponential backoff with configurable jitter strategy
//     and an attempt bound, plus a blocking Retry runner for call sites
//     that can afford to wait out the backoff in place
//
// Both are safe for concurrent use. Error classification follows the
// contracts taxonomy: only transient errors are retried, and breaker
// rejections are never counted as sink failures.
package reliability
