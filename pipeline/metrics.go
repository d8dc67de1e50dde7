package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder receives engine telemetry. Use NewOtelMetrics for
// OpenTelemetry export or NopMetrics when metrics are disabled.
type MetricsRecorder interface {
	ItemProcessed(ctx context.Context, outcome string)
	ItemSucceeded(ctx context.Context)
	ItemFailed(ctx context.Context)
	ItemRetried(ctx context.Context)
	ItemDeadLettered(ctx context.Context, reason string)
	CircuitTripped(ctx context.Context, breaker string)
	SetQueueDepth(ctx context.Context, depth int64)
	SetCircuitPhase(ctx context.Context, phase int64)
	SetBatchPending(ctx context.Context, pending int64)
}

// NopMetrics discards all telemetry.
type NopMetrics struct{}

func (NopMetrics) ItemProcessed(context.Context, string)    {}
func (NopMetrics) ItemSucceeded(context.Context)            {}
func (NopMetrics) ItemFailed(context.Context)               {}
func (NopMetrics) ItemRetried(context.Context)              {}
func (NopMetrics) ItemDeadLettered(context.Context, string) {}
func (NopMetrics) CircuitTripped(context.Context, string)   {}
func (NopMetrics) SetQueueDepth(context.Context, int64)     {}
func (NopMetrics) SetCircuitPhase(context.Context, int64)   {}
func (NopMetrics) SetBatchPending(context.Context, int64)   {}

type otelMetrics struct {
	processed    metric.Int64Counter
	succeeded    metric.Int64Counter
	failed       metric.Int64Counter
	retried      metric.Int64Counter
	deadLettered metric.Int64Counter
	circuitTrips metric.Int64Counter
	queueDepth   metric.Int64Gauge
	circuitPhase metric.Int64Gauge
	batchPending metric.Int64Gauge
}

// NewOtelMetrics creates a recorder backed by the global OpenTelemetry
// meter provider.
func NewOtelMetrics() (MetricsRecorder, error) {
	meter := otel.Meter("auditflow")

	processed, err := meter.Int64Counter("auditflow.items.processed",
		metric.WithDescription("Number of item delivery attempts resolved"),
	)
	if err != nil {
		return nil, err
	}

	succeeded, err := meter.Int64Counter("auditflow.items.succeeded",
		metric.WithDescription("Number of items delivered successfully"),
	)
	if err != nil {
		return nil, err
	}

	failed, err := meter.Int64Counter("auditflow.items.failed",
		metric.WithDescription("Number of failed delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	retried, err := meter.Int64Counter("auditflow.items.retried",
		metric.WithDescription("Number of retry attempts scheduled"),
	)
	if err != nil {
		return nil, err
	}

	deadLettered, err := meter.Int64Counter("auditflow.items.dead_lettered",
		metric.WithDescription("Number of items routed to the dead letter store"),
	)
	if err != nil {
		return nil, err
	}

	circuitTrips, err := meter.Int64Counter("auditflow.circuit.trips",
		metric.WithDescription("Number of circuit breaker trips to open"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge("auditflow.queue.depth",
		metric.WithDescription("Current work queue depth"),
	)
	if err != nil {
		return nil, err
	}

	circuitPhase, err := meter.Int64Gauge("auditflow.circuit.phase",
		metric.WithDescription("Circuit phase: 0 closed, 1 half-open, 2 open"),
	)
	if err != nil {
		return nil, err
	}

	batchPending, err := meter.Int64Gauge("auditflow.batch.pending",
		metric.WithDescription("Items waiting in the open batch"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		processed:    processed,
		succeeded:    succeeded,
		failed:       failed,
		retried:      retried,
		deadLettered: deadLettered,
		circuitTrips: circuitTrips,
		queueDepth:   queueDepth,
		circuitPhase: circuitPhase,
		batchPending: batchPending,
	}, nil
}

func (m *otelMetrics) ItemProcessed(ctx context.Context, outcome string) {
	m.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *otelMetrics) ItemSucceeded(ctx context.Context) {
	m.succeeded.Add(ctx, 1)
}

func (m *otelMetrics) ItemFailed(ctx context.Context) {
	m.failed.Add(ctx, 1)
}

func (m *otelMetrics) ItemRetried(ctx context.Context) {
	m.retried.Add(ctx, 1)
}

func (m *otelMetrics) ItemDeadLettered(ctx context.Context, reason string) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *otelMetrics) CircuitTripped(ctx context.Context, breaker string) {
	m.circuitTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("breaker", breaker)))
}

func (m *otelMetrics) SetQueueDepth(ctx context.Context, depth int64) {
	m.queueDepth.Record(ctx, depth)
}

func (m *otelMetrics) SetCircuitPhase(ctx context.Context, phase int64) {
	m.circuitPhase.Record(ctx, phase)
}

func (m *otelMetrics) SetBatchPending(ctx context.Context, pending int64) {
	m.batchPending.Record(ctx, pending)
}
