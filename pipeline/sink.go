package pipeline

import (
	"context"

	"github.com/glimte/auditflow-go/contracts"
)

// Sink is the delivery destination boundary. The engine is agnostic to
// sink identity; destinations implement delivery and declare whether they
// accept batches.
type Sink interface {
	// Name identifies the sink in logs, metrics and breaker state.
	Name() string
	// Deliver hands a single item to the destination.
	Deliver(ctx context.Context, item *contracts.WorkItem) error
	// SupportsBatch reports whether DeliverBatch may be used.
	SupportsBatch() bool
}

// BatchSink is implemented by sinks that accept bulk delivery.
type BatchSink interface {
	Sink
	DeliverBatch(ctx context.Context, items []*contracts.WorkItem) error
}

// Classifier maps sink-specific errors onto the engine taxonomy. Sinks
// must not leak implementation error types into engine control flow, so
// every sink error passes through exactly one classifier at the
// orchestrator boundary.
type Classifier func(err error) error

// DefaultClassifier keeps already-classified errors as they are and
// defaults everything else to transient, so an unmapped sink error cannot
// skip the retry budget straight into the dead letter store. Sinks mark
// permanent failures explicitly with contracts.Fatal.
func DefaultClassifier(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case contracts.IsTransient(err),
		contracts.IsFatal(err),
		contracts.IsIntegrity(err),
		contracts.IsCircuitOpen(err):
		return err
	}

	return contracts.Transient("deliver", err)
}

// SinkFunc adapts a function to a non-batching Sink, mostly for tests.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, item *contracts.WorkItem) error
}

// Name implements Sink
func (s SinkFunc) Name() string {
	if s.SinkName == "" {
		return "func"
	}
	return s.SinkName
}

// Deliver implements Sink
func (s SinkFunc) Deliver(ctx context.Context, item *contracts.WorkItem) error {
	return s.Fn(ctx, item)
}

// SupportsBatch implements Sink
func (s SinkFunc) SupportsBatch() bool { return false }
