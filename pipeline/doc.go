// Package pipeline contains the delivery orchestrator: a bounded work
// queue with configurable backpressure, a fixed pool of workers that run
// each item through integrity verification, circuit-protected delivery
// with scheduled retries, optional batch aggregation, and dead-letter
// capture for items that permanently fail.
//
// Every accepted item ends in exactly one of two places: delivered to the
// sink, or stored as a dead letter with its full attempt history. Nothing
// is silently dropped, including during shutdown.
package pipeline
