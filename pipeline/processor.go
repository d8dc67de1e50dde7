package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/auditflow-go/contracts"
	"github.com/glimte/auditflow-go/deadletter"
	"github.com/glimte/auditflow-go/integrity"
	"github.com/glimte/auditflow-go/internal/reliability"
)

// BatchFailurePolicy decides what happens to a batch whose bulk delivery
// failed.
type BatchFailurePolicy int

const (
	// SplitAndRetry falls back to per-item delivery through the retry
	// path.
	SplitAndRetry BatchFailurePolicy = iota
	// DeadLetterBatch dead-letters the whole batch together.
	DeadLetterBatch
)

// DrainPolicy decides what happens to queued items on shutdown.
type DrainPolicy int

const (
	// DrainComplete delivers queued items one final attempt each before
	// stopping.
	DrainComplete DrainPolicy = iota
	// DrainToDeadLetter dumps the remaining queue to the dead letter
	// store immediately.
	DrainToDeadLetter
)

// Jitter strategy names accepted by RetryConfig.
const (
	JitterFull  = "full"
	JitterEqual = "equal"
	JitterNone  = "none"
)

// RetryConfig configures backoff between delivery attempts. MaxAttempts
// bounds total tries including the first.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       string
}

// BreakerConfig configures the circuit breaker guarding the sink.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	TrialConcurrency int
}

// Processor pulls items off the bounded queue and runs them through
// verification, circuit-protected delivery with scheduled retries, and
// dead-letter capture. One Processor owns one queue and one breaker; it
// holds no process-wide state.
type Processor struct {
	queue    *Queue
	workers  int
	verifier *integrity.Verifier
	breaker  *reliability.CircuitBreaker
	policy   reliability.Policy
	sink     Sink
	bsink    BatchSink
	classify Classifier
	store    deadletter.Store
	agg      *Aggregator
	metrics  MetricsRecorder
	logger   *slog.Logger

	batchFailure BatchFailurePolicy
	drainPolicy  DrainPolicy
	drainTimeout time.Duration

	historyMu sync.Mutex
	history   map[string][]contracts.Attempt
	// IDs routed around the aggregator after a batch split.
	individual map[string]bool

	timersMu  sync.Mutex
	timers    map[string]*time.Timer
	scheduled map[string]*contracts.WorkItem

	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopping atomic.Bool
}

type processorConfig struct {
	workers       int
	queueCapacity int
	backpressure  BackpressurePolicy
	retry         RetryConfig
	breaker       BreakerConfig
	verifier      *integrity.Verifier
	classify      Classifier
	metrics       MetricsRecorder
	logger        *slog.Logger
	batchSize     int
	batchAge      time.Duration
	batchFailure  BatchFailurePolicy
	drainPolicy   DrainPolicy
	drainTimeout  time.Duration
}

// ProcessorOption configures the processor
type ProcessorOption func(*processorConfig)

// WithWorkers sets the worker pool size
func WithWorkers(n int) ProcessorOption {
	return func(c *processorConfig) { c.workers = n }
}

// WithQueueCapacity sets the bounded queue capacity
func WithQueueCapacity(n int) ProcessorOption {
	return func(c *processorConfig) { c.queueCapacity = n }
}

// WithBackpressure sets the producer-facing policy at capacity
func WithBackpressure(p BackpressurePolicy) ProcessorOption {
	return func(c *processorConfig) { c.backpressure = p }
}

// WithRetry sets the retry configuration
func WithRetry(rc RetryConfig) ProcessorOption {
	return func(c *processorConfig) { c.retry = rc }
}

// WithBreaker sets the circuit breaker configuration
func WithBreaker(bc BreakerConfig) ProcessorOption {
	return func(c *processorConfig) { c.breaker = bc }
}

// WithVerifier sets the integrity verifier gating every fresh item
func WithVerifier(v *integrity.Verifier) ProcessorOption {
	return func(c *processorConfig) { c.verifier = v }
}

// WithClassifier sets the sink error classifier
func WithClassifier(cl Classifier) ProcessorOption {
	return func(c *processorConfig) { c.classify = cl }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m MetricsRecorder) ProcessorOption {
	return func(c *processorConfig) { c.metrics = m }
}

// WithProcessorLogger sets the logger
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(c *processorConfig) { c.logger = l }
}

// WithBatching enables batch aggregation when the sink supports it
func WithBatching(maxSize int, maxAge time.Duration) ProcessorOption {
	return func(c *processorConfig) {
		c.batchSize = maxSize
		c.batchAge = maxAge
	}
}

// WithBatchFailurePolicy sets the flush failure policy
func WithBatchFailurePolicy(p BatchFailurePolicy) ProcessorOption {
	return func(c *processorConfig) { c.batchFailure = p }
}

// WithDrainPolicy sets the shutdown drain policy
func WithDrainPolicy(p DrainPolicy) ProcessorOption {
	return func(c *processorConfig) { c.drainPolicy = p }
}

// WithDrainTimeout bounds how long Shutdown waits for in-flight work
func WithDrainTimeout(d time.Duration) ProcessorOption {
	return func(c *processorConfig) { c.drainTimeout = d }
}

// NewProcessor creates a processor delivering to sink and capturing
// permanent failures in store.
func NewProcessor(sink Sink, store deadletter.Store, options ...ProcessorOption) (*Processor, error) {
	if sink == nil {
		return nil, errors.New("pipeline: sink is required")
	}
	if store == nil {
		return nil, errors.New("pipeline: dead letter store is required")
	}

	defaults := reliability.DefaultPolicy()
	cfg := &processorConfig{
		workers:       4,
		queueCapacity: 1024,
		backpressure:  Reject,
		retry: RetryConfig{
			MaxAttempts:  defaults.MaxAttempts,
			InitialDelay: defaults.InitialDelay,
			MaxDelay:     defaults.MaxDelay,
			Multiplier:   defaults.Multiplier,
			Jitter:       defaults.Jitter.String(),
		},
		breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			OpenTimeout:      30 * time.Second,
			TrialConcurrency: 1,
		},
		classify:     DefaultClassifier,
		metrics:      NopMetrics{},
		logger:       slog.Default(),
		batchFailure: SplitAndRetry,
		drainPolicy:  DrainComplete,
		drainTimeout: 30 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}

	policy, err := policyFromConfig(cfg.retry)
	if err != nil {
		return nil, err
	}

	p := &Processor{
		queue:        NewQueue(cfg.queueCapacity, cfg.backpressure),
		workers:      cfg.workers,
		verifier:     cfg.verifier,
		policy:       policy,
		sink:         sink,
		classify:     cfg.classify,
		store:        store,
		metrics:      cfg.metrics,
		logger:       cfg.logger.With("component", "processor", "sink", sink.Name()),
		batchFailure: cfg.batchFailure,
		drainPolicy:  cfg.drainPolicy,
		drainTimeout: cfg.drainTimeout,
		history:      make(map[string][]contracts.Attempt),
		individual:   make(map[string]bool),
		timers:       make(map[string]*time.Timer),
		scheduled:    make(map[string]*contracts.WorkItem),
	}

	p.breaker = reliability.NewCircuitBreaker(
		reliability.WithName(sink.Name()),
		reliability.WithFailureThreshold(cfg.breaker.FailureThreshold),
		reliability.WithSuccessThreshold(cfg.breaker.SuccessThreshold),
		reliability.WithOpenTimeout(cfg.breaker.OpenTimeout),
		reliability.WithTrialConcurrency(cfg.breaker.TrialConcurrency),
		reliability.WithStateChangeListener(reliability.StateChangeFunc(p.onBreakerChange)),
	)

	if bs, ok := sink.(BatchSink); ok && sink.SupportsBatch() && cfg.batchSize > 1 {
		p.bsink = bs
		p.agg = NewAggregator(cfg.batchSize, cfg.batchAge, p.flushBatch)
	}

	return p, nil
}

func policyFromConfig(rc RetryConfig) (reliability.Policy, error) {
	p := reliability.Policy{
		MaxAttempts:  rc.MaxAttempts,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.Multiplier,
	}
	switch rc.Jitter {
	case JitterFull, "":
		p.Jitter = reliability.FullJitter
	case JitterEqual:
		p.Jitter = reliability.EqualJitter
	case JitterNone:
		p.Jitter = reliability.NoJitter
	default:
		return p, fmt.Errorf("pipeline: unknown jitter strategy %q", rc.Jitter)
	}
	if p.MaxAttempts < 1 {
		return p, fmt.Errorf("pipeline: retry MaxAttempts must be >= 1, got %d", p.MaxAttempts)
	}
	return p, nil
}

// Start launches the worker pool.
func (p *Processor) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.runCtx, p.cancel = context.WithCancel(context.Background())

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("processor started",
		"workers", p.workers,
		"queueCapacity", p.queue.Capacity(),
		"batching", p.agg != nil,
	)
}

// Enqueue accepts an item for processing. At capacity it rejects or
// blocks per the configured backpressure policy; during shutdown it
// returns contracts.ErrShuttingDown.
func (p *Processor) Enqueue(ctx context.Context, item *contracts.WorkItem) error {
	if p.stopping.Load() {
		return contracts.ErrShuttingDown
	}
	if err := p.queue.Enqueue(ctx, item); err != nil {
		if errors.Is(err, contracts.ErrQueueClosed) {
			return contracts.ErrShuttingDown
		}
		return err
	}
	p.metrics.SetQueueDepth(ctx, int64(p.queue.Depth()))
	return nil
}

func (p *Processor) worker(id int) {
	defer p.wg.Done()

	for {
		item, err := p.queue.Dequeue(p.runCtx)
		if err != nil {
			return
		}
		p.metrics.SetQueueDepth(p.runCtx, int64(p.queue.Depth()))
		p.handleSafe(id, item)
	}
}

// handleSafe recovers per item so a panicking sink neither kills the
// worker nor loses the in-flight item: the panic resolves as a fatal
// failure and the item is dead-lettered.
func (p *Processor) handleSafe(worker int, item *contracts.WorkItem) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("panic while processing item",
				"worker", worker,
				"itemId", item.ID,
				"panic", rec,
			)
			p.handleFailure(p.runCtx, item, contracts.Fatal("process", fmt.Errorf("panic: %v", rec)))
		}
	}()
	p.handle(item)
}

// handle runs one item through the gate and delivery path.
func (p *Processor) handle(item *contracts.WorkItem) {
	ctx := p.runCtx

	if item.Status == contracts.StatusReceived {
		item.Status = contracts.StatusVerifying
		if p.verifier != nil {
			if err := p.verifier.Verify(ctx, item); err != nil {
				// Tampering is never transient: straight to dead letter.
				item.Status = contracts.StatusIntegrityFailed
				p.deadLetter(ctx, item, contracts.KindIntegrity, err)
				return
			}
		}
		item.Status = contracts.StatusQueued
	}

	if p.agg != nil && !p.isIndividual(item.ID) {
		p.agg.Add(item)
		p.metrics.SetBatchPending(ctx, int64(p.agg.Pending()))
		return
	}

	p.process(ctx, item)
}

// process performs a single delivery attempt and resolves its outcome.
func (p *Processor) process(ctx context.Context, item *contracts.WorkItem) {
	item.Status = contracts.StatusProcessing

	start := time.Now()
	err := p.deliverOne(ctx, item)
	result := contracts.NewProcessingResult(err, time.Since(start))
	p.metrics.ItemProcessed(ctx, result.Outcome.String())

	switch {
	case err == nil:
		p.succeed(ctx, item, result)
	case contracts.IsCircuitOpen(err):
		p.requeueAfterBreaker(ctx, item, err)
	case isCancellation(err):
		// The run context was cancelled before the sink was probed, so no
		// attempt is charged against the item's budget.
		p.deadLetterShutdown(item)
	default:
		p.handleFailure(ctx, item, err)
	}
}

// isCancellation matches the bare context error the breaker returns when
// cancellation wins before the delivery function runs. Context errors
// surfaced by the sink itself come back wrapped in the error taxonomy and
// are resolved as ordinary failures.
func isCancellation(err error) bool {
	if contracts.IsTransient(err) || contracts.IsFatal(err) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (p *Processor) deliverOne(ctx context.Context, item *contracts.WorkItem) error {
	return p.breaker.Execute(ctx, func() error {
		return p.classify(p.sink.Deliver(ctx, item.Clone()))
	})
}

func (p *Processor) succeed(ctx context.Context, item *contracts.WorkItem, result contracts.ProcessingResult) {
	item.Status = contracts.StatusSucceeded
	p.clearItemState(item.ID)
	p.metrics.ItemSucceeded(ctx)
	p.logger.Debug("item delivered",
		"itemId", item.ID,
		"correlationId", item.CorrelationID,
		"attempts", item.AttemptCount+1,
		"latency", result.Latency,
	)
}

// requeueAfterBreaker puts an item rejected by an open breaker back on
// the queue tail once the cooldown is close to elapsing. The rejection is
// not a sink failure: no attempt slot is consumed and no history entry is
// written.
func (p *Processor) requeueAfterBreaker(ctx context.Context, item *contracts.WorkItem, err error) {
	var coe *contracts.CircuitOpenError
	delay := 100 * time.Millisecond
	if errors.As(err, &coe) {
		if until := time.Until(coe.OpenedUntil); until > delay {
			delay = until
		}
	}

	p.logger.Debug("circuit open, requeueing item",
		"itemId", item.ID,
		"delay", delay,
	)
	item.Status = contracts.StatusQueued
	p.scheduleRequeue(item, delay)
}

func (p *Processor) handleFailure(ctx context.Context, item *contracts.WorkItem, err error) {
	kind := contracts.Kind(err)
	item.AttemptCount++
	p.appendHistory(item.ID, contracts.Attempt{
		Number:       item.AttemptCount,
		Timestamp:    time.Now().UTC(),
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
	})
	p.metrics.ItemFailed(ctx)

	if kind == contracts.KindTransient && item.AttemptCount < p.policy.MaxAttempts {
		delay := p.policy.NextDelay(item.AttemptCount - 1)
		p.logger.Info("delivery failed, retry scheduled",
			"itemId", item.ID,
			"attempt", item.AttemptCount,
			"maxAttempts", p.policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		item.Status = contracts.StatusRetryScheduled
		p.metrics.ItemRetried(ctx)
		p.scheduleRequeue(item, delay)
		return
	}

	p.deadLetter(ctx, item, kind, err)
}

// scheduleRequeue re-submits an item to the queue after delay without
// parking a worker. Retries of one item are strictly sequential, so each
// item has at most one pending timer.
func (p *Processor) scheduleRequeue(item *contracts.WorkItem, delay time.Duration) {
	p.timersMu.Lock()
	if p.stopping.Load() {
		p.timersMu.Unlock()
		p.deadLetterShutdown(item)
		return
	}

	id := item.ID
	p.scheduled[id] = item
	p.timers[id] = time.AfterFunc(delay, func() {
		p.timersMu.Lock()
		if _, ok := p.timers[id]; !ok {
			// Shutdown already claimed this item.
			p.timersMu.Unlock()
			return
		}
		delete(p.timers, id)
		delete(p.scheduled, id)
		p.timersMu.Unlock()

		item.Status = contracts.StatusQueued
		if err := p.queue.TryEnqueue(item); err == nil {
			return
		}
		if p.stopping.Load() {
			p.deadLetterShutdown(item)
			return
		}
		// Queue is at capacity: wait for space. Scheduled retries are
		// engine-internal and must not be dropped by producer-facing
		// backpressure.
		if err := p.queue.EnqueueWait(p.runCtx, item); err != nil {
			p.deadLetterShutdown(item)
		}
	})
	p.timersMu.Unlock()
}

// flushBatch is the aggregator callback: it delivers a closed batch and
// resolves every member's fate. The aggregator tracks in-flight flushes,
// so by the time Aggregator.Close returns this function is not running.
func (p *Processor) flushBatch(items []*contracts.WorkItem, reason FlushReason) {
	ctx := p.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	p.metrics.SetBatchPending(ctx, int64(p.agg.Pending()))

	for _, item := range items {
		item.Status = contracts.StatusProcessing
	}

	start := time.Now()
	err := p.breaker.Execute(ctx, func() error {
		return p.classify(p.bsink.DeliverBatch(ctx, cloneAll(items)))
	})
	latency := time.Since(start)

	if err == nil {
		p.logger.Debug("batch delivered",
			"size", len(items),
			"reason", string(reason),
			"latency", latency,
		)
		for _, item := range items {
			p.metrics.ItemProcessed(ctx, contracts.OutcomeSuccess.String())
			p.succeed(ctx, item, contracts.ProcessingResult{Outcome: contracts.OutcomeSuccess, Latency: latency})
		}
		return
	}

	if contracts.IsCircuitOpen(err) {
		for _, item := range items {
			p.requeueAfterBreaker(ctx, item, err)
		}
		return
	}

	if isCancellation(err) {
		for _, item := range items {
			p.deadLetterShutdown(item)
		}
		return
	}

	p.logger.Warn("batch delivery failed",
		"size", len(items),
		"policy", p.batchFailure,
		"error", err,
	)

	switch p.batchFailure {
	case SplitAndRetry:
		// Fall back to per-item delivery: each member consumes this
		// failure as an attempt and continues on the individual path.
		for _, item := range items {
			p.markIndividual(item.ID)
			p.metrics.ItemProcessed(ctx, contracts.NewProcessingResult(err, latency).Outcome.String())
			p.handleFailure(ctx, item, err)
		}
	case DeadLetterBatch:
		for _, item := range items {
			item.AttemptCount++
			p.appendHistory(item.ID, contracts.Attempt{
				Number:       item.AttemptCount,
				Timestamp:    time.Now().UTC(),
				ErrorKind:    contracts.Kind(err),
				ErrorMessage: err.Error(),
			})
			p.metrics.ItemFailed(ctx)
			p.deadLetter(ctx, item, contracts.Kind(err), err)
		}
	}
}

func cloneAll(items []*contracts.WorkItem) []*contracts.WorkItem {
	out := make([]*contracts.WorkItem, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}

// deadLetter captures an item with its full attempt history. Integrity
// failures log at Error since they indicate potential tampering; other
// failures log at Warn.
func (p *Processor) deadLetter(ctx context.Context, item *contracts.WorkItem, kind contracts.ErrorKind, err error) {
	item.Status = contracts.StatusDeadLettered
	attempts := p.takeItemState(item.ID)

	recordID, serr := p.store.Capture(ctx, item, attempts, kind)
	if serr != nil {
		// Last resort: the full item goes to the log so nothing is lost
		// silently.
		p.logger.Error("dead letter capture failed",
			"itemId", item.ID,
			"error", serr,
			"item", item,
		)
		return
	}

	p.metrics.ItemDeadLettered(ctx, string(kind))

	if kind == contracts.KindIntegrity {
		p.logger.Error("item dead-lettered: integrity failure, possible tampering",
			"itemId", item.ID,
			"correlationId", item.CorrelationID,
			"recordId", recordID,
			"error", err,
		)
		return
	}
	p.logger.Warn("item dead-lettered",
		"itemId", item.ID,
		"correlationId", item.CorrelationID,
		"recordId", recordID,
		"attempts", len(attempts),
		"reason", string(kind),
		"error", err,
	)
}

func (p *Processor) deadLetterShutdown(item *contracts.WorkItem) {
	ctx := context.Background()
	p.appendHistory(item.ID, contracts.Attempt{
		Number:       item.AttemptCount,
		Timestamp:    time.Now().UTC(),
		ErrorKind:    contracts.KindShutdown,
		ErrorMessage: "engine shut down before delivery completed",
	})
	p.deadLetter(ctx, item, contracts.KindShutdown, contracts.ErrShuttingDown)
}

// Shutdown stops accepting new items, lets in-flight items finish their
// current attempt, and resolves everything else per the drain policy.
// Nothing is silently dropped: any item not delivered by the time the
// drain completes is dead-lettered.
func (p *Processor) Shutdown(ctx context.Context) error {
	if !p.stopping.CompareAndSwap(false, true) {
		return nil
	}
	p.logger.Info("processor shutting down", "queueDepth", p.queue.Depth())

	p.queue.Close()

	// Claim items waiting on retry timers: their current attempt is
	// already resolved, and no further attempts will run.
	p.timersMu.Lock()
	var waiting []*contracts.WorkItem
	for id, timer := range p.timers {
		if timer.Stop() {
			waiting = append(waiting, p.scheduled[id])
		}
	}
	p.timers = make(map[string]*time.Timer)
	p.scheduled = make(map[string]*contracts.WorkItem)
	p.timersMu.Unlock()

	for _, item := range waiting {
		p.deadLetterShutdown(item)
	}

	if p.drainPolicy == DrainToDeadLetter {
		for _, item := range p.queue.Drain() {
			p.deadLetterShutdown(item)
		}
	}

	if p.agg != nil {
		p.agg.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var timedOut bool
	select {
	case <-done:
	case <-time.After(p.drainTimeout):
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}

	if p.cancel != nil {
		p.cancel()
	}
	if timedOut {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	// Anything still buffered was never attempted in time.
	for _, item := range p.queue.Drain() {
		p.deadLetterShutdown(item)
	}
	// Retries scheduled during the drain are claimed the same way.
	p.timersMu.Lock()
	var late []*contracts.WorkItem
	for id, timer := range p.timers {
		if timer.Stop() {
			late = append(late, p.scheduled[id])
		}
	}
	p.timers = make(map[string]*time.Timer)
	p.scheduled = make(map[string]*contracts.WorkItem)
	p.timersMu.Unlock()
	for _, item := range late {
		p.deadLetterShutdown(item)
	}

	p.logger.Info("processor stopped", "forced", timedOut)
	if timedOut {
		return fmt.Errorf("processor: drain timed out after %v", p.drainTimeout)
	}
	return nil
}

func (p *Processor) onBreakerChange(from, to reliability.State, reason string) {
	ctx := context.Background()
	p.metrics.SetCircuitPhase(ctx, int64(to))
	if to == reliability.StateOpen {
		p.metrics.CircuitTripped(ctx, p.sink.Name())
		p.logger.Warn("circuit breaker opened", "from", from.String(), "reason", reason)
		return
	}
	p.logger.Info("circuit breaker state changed",
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
}

func (p *Processor) appendHistory(id string, attempt contracts.Attempt) {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	p.history[id] = append(p.history[id], attempt)
}

// takeItemState removes and returns an item's history.
func (p *Processor) takeItemState(id string) []contracts.Attempt {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	attempts := p.history[id]
	delete(p.history, id)
	delete(p.individual, id)
	return attempts
}

func (p *Processor) clearItemState(id string) {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	delete(p.history, id)
	delete(p.individual, id)
}

func (p *Processor) markIndividual(id string) {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	p.individual[id] = true
}

func (p *Processor) isIndividual(id string) bool {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	return p.individual[id]
}

// QueueDepth returns the current queue depth for backpressure and health
// reporting.
func (p *Processor) QueueDepth() int { return p.queue.Depth() }

// QueueCapacity returns the queue capacity.
func (p *Processor) QueueCapacity() int { return p.queue.Capacity() }

// CircuitState returns the breaker state name.
func (p *Processor) CircuitState() string { return p.breaker.GetState().String() }

// CircuitTrips returns how many times the breaker has opened.
func (p *Processor) CircuitTrips() int64 {
	return p.breaker.GetMetrics().Trips
}

// BatchPending returns the size of the open batch, zero when batching is
// disabled.
func (p *Processor) BatchPending() int {
	if p.agg == nil {
		return 0
	}
	return p.agg.Pending()
}
