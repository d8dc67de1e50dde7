package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/auditflow-go/contracts"
	"github.com/glimte/auditflow-go/deadletter"
	"github.com/glimte/auditflow-go/integrity"
)

// fakeSink fails the first failuresPerItem deliveries of each item, then
// succeeds. failErr overrides the default transient error.
type fakeSink struct {
	mu              sync.Mutex
	calls           int
	successes       int
	perItem         map[string]int
	failuresPerItem int
	failErr         error
	delay           time.Duration
}

func (s *fakeSink) Name() string        { return "fake" }
func (s *fakeSink) SupportsBatch() bool { return false }

func (s *fakeSink) Deliver(ctx context.Context, item *contracts.WorkItem) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.perItem == nil {
		s.perItem = make(map[string]int)
	}
	s.perItem[item.ID]++

	if s.perItem[item.ID] <= s.failuresPerItem {
		if s.failErr != nil {
			return s.failErr
		}
		return contracts.Transient("deliver", errors.New("downstream unavailable"))
	}
	s.successes++
	return nil
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSink) successCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successes
}

// fakeBatchSink accepts bulk deliveries, failing the first failBatches of
// them.
type fakeBatchSink struct {
	mu          sync.Mutex
	singles     int
	batches     int
	batchSizes  []int
	failBatches int
}

func (s *fakeBatchSink) Name() string        { return "fake-batch" }
func (s *fakeBatchSink) SupportsBatch() bool { return true }

func (s *fakeBatchSink) Deliver(ctx context.Context, item *contracts.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singles++
	return nil
}

func (s *fakeBatchSink) DeliverBatch(ctx context.Context, items []*contracts.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	s.batchSizes = append(s.batchSizes, len(items))
	if s.batches <= s.failBatches {
		return contracts.Transient("deliver batch", errors.New("bulk endpoint unavailable"))
	}
	return nil
}

func (s *fakeBatchSink) counts() (singles, batches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.singles, s.batches
}

func fastRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       JitterNone,
	}
}

func quietBreaker() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 1000,
		SuccessThreshold: 1,
		OpenTimeout:      time.Second,
		TrialConcurrency: 1,
	}
}

func TestProcessorDeliversAllItems(t *testing.T) {
	sink := &fakeSink{}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithWorkers(8),
		WithQueueCapacity(2048),
		WithRetry(fastRetry(3)),
		WithBreaker(quietBreaker()),
	)
	require.NoError(t, err)
	p.Start()

	const total = 1000
	for i := 0; i < total; i++ {
		item := contracts.NewWorkItem([]byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, p.Enqueue(ctx, item))
	}

	require.NoError(t, p.Shutdown(ctx))

	assert.Equal(t, total, sink.successCount())
	assert.Equal(t, total, sink.callCount())
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestProcessorExhaustsRetriesToDeadLetter(t *testing.T) {
	sink := &fakeSink{failuresPerItem: 1 << 30}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithWorkers(1),
		WithRetry(fastRetry(5)),
		WithBreaker(quietBreaker()),
	)
	require.NoError(t, err)
	p.Start()

	item := contracts.NewWorkItem([]byte(`{"audit":"write"}`))
	item.CorrelationID = "corr-1"
	require.NoError(t, p.Enqueue(ctx, item))

	assert.Eventually(t, func() bool {
		n, _ := store.Count(ctx)
		return n == 1
	}, 5*time.Second, 10*time.Millisecond)

	records, err := store.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, contracts.KindTransient, rec.Reason)
	assert.Equal(t, contracts.StatusDeadLettered, rec.Item.Status)
	assert.Equal(t, "corr-1", rec.Item.CorrelationID)
	require.Len(t, rec.Attempts, 5)
	for i, attempt := range rec.Attempts {
		assert.Equal(t, i+1, attempt.Number)
		assert.Equal(t, contracts.KindTransient, attempt.ErrorKind)
		assert.NotEmpty(t, attempt.ErrorMessage)
		if i > 0 {
			assert.False(t, attempt.Timestamp.Before(rec.Attempts[i-1].Timestamp))
		}
	}

	assert.Equal(t, 5, sink.callCount())
	require.NoError(t, p.Shutdown(ctx))
}

func TestProcessorRecoversWithinRetryBudget(t *testing.T) {
	sink := &fakeSink{failuresPerItem: 3}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithWorkers(2),
		WithRetry(fastRetry(5)),
		WithBreaker(BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			OpenTimeout:      time.Second,
			TrialConcurrency: 1,
		}),
	)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`))))

	assert.Eventually(t, func() bool {
		return sink.successCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 4, sink.callCount())
	assert.Equal(t, "closed", p.CircuitState())
	assert.Equal(t, int64(0), p.CircuitTrips())

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	require.NoError(t, p.Shutdown(ctx))
}

func TestProcessorCircuitOpenRequeuesWithoutConsumingAttempts(t *testing.T) {
	sink := &fakeSink{failuresPerItem: 1 << 30}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithWorkers(1),
		WithRetry(fastRetry(10)),
		WithBreaker(BreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			OpenTimeout:      5 * time.Second,
			TrialConcurrency: 1,
		}),
		WithDrainPolicy(DrainToDeadLetter),
		WithDrainTimeout(time.Second),
	)
	require.NoError(t, err)
	p.Start()

	const total = 6
	for i := 0; i < total; i++ {
		require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`))))
	}

	assert.Eventually(t, func() bool {
		return p.CircuitState() == "open"
	}, 5*time.Second, 10*time.Millisecond)

	// While open, the breaker rejects before the sink is called and items
	// are parked for requeue rather than dead-lettered.
	time.Sleep(100 * time.Millisecond)
	callsWhileOpen := sink.callCount()
	assert.Equal(t, 2, callsWhileOpen)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, callsWhileOpen, sink.callCount())

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Shutdown resolves every parked item: nothing is silently dropped.
	require.NoError(t, p.Shutdown(ctx))

	records, err := store.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	assert.Len(t, records, total)
	for _, rec := range records {
		assert.Equal(t, contracts.KindShutdown, rec.Reason)
	}
}

func TestProcessorFatalErrorSkipsRetries(t *testing.T) {
	sink := &fakeSink{
		failuresPerItem: 1 << 30,
		failErr:         contracts.Fatal("deliver", errors.New("payload rejected by schema")),
	}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithWorkers(1),
		WithRetry(fastRetry(5)),
		WithBreaker(quietBreaker()),
	)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{"bad":true}`))))

	assert.Eventually(t, func() bool {
		n, _ := store.Count(ctx)
		return n == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, sink.callCount())

	records, err := store.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, contracts.KindFatal, records[0].Reason)
	require.Len(t, records[0].Attempts, 1)
	assert.Equal(t, contracts.KindFatal, records[0].Attempts[0].ErrorKind)

	require.NoError(t, p.Shutdown(ctx))
}

func TestProcessorIntegrityGate(t *testing.T) {
	verifier := integrity.NewVerifier(
		integrity.WithFields("id", "tenant", "payload"),
	)

	t.Run("tampered item dead-letters without touching the sink", func(t *testing.T) {
		sink := &fakeSink{}
		store := deadletter.NewMemoryStore()
		ctx := context.Background()

		p, err := NewProcessor(sink, store,
			WithWorkers(1),
			WithVerifier(verifier),
			WithRetry(fastRetry(3)),
			WithBreaker(quietBreaker()),
		)
		require.NoError(t, err)
		p.Start()

		item := contracts.NewWorkItem([]byte(`{"action":"delete"}`))
		item.Fields = map[string]string{"tenant": "acme"}
		require.NoError(t, verifier.Seal(ctx, item))
		item.Fields["tenant"] = "evil-corp"

		require.NoError(t, p.Enqueue(ctx, item))

		assert.Eventually(t, func() bool {
			n, _ := store.Count(ctx)
			return n == 1
		}, 5*time.Second, 10*time.Millisecond)

		assert.Equal(t, 0, sink.callCount())

		records, err := store.List(ctx, deadletter.Filter{})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, contracts.KindIntegrity, records[0].Reason)
		assert.Empty(t, records[0].Attempts)

		require.NoError(t, p.Shutdown(ctx))
	})

	t.Run("sealed item passes and is delivered", func(t *testing.T) {
		sink := &fakeSink{}
		store := deadletter.NewMemoryStore()
		ctx := context.Background()

		p, err := NewProcessor(sink, store,
			WithWorkers(1),
			WithVerifier(verifier),
			WithRetry(fastRetry(3)),
			WithBreaker(quietBreaker()),
		)
		require.NoError(t, err)
		p.Start()

		item := contracts.NewWorkItem([]byte(`{"action":"write"}`))
		item.Fields = map[string]string{"tenant": "acme"}
		require.NoError(t, verifier.Seal(ctx, item))

		require.NoError(t, p.Enqueue(ctx, item))
		require.NoError(t, p.Shutdown(ctx))

		assert.Equal(t, 1, sink.successCount())
		n, _ := store.Count(ctx)
		assert.Equal(t, 0, n)
	})
}

func TestProcessorBatchDelivery(t *testing.T) {
	sink := &fakeBatchSink{}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithWorkers(2),
		WithBatching(3, time.Minute),
		WithRetry(fastRetry(3)),
		WithBreaker(quietBreaker()),
	)
	require.NoError(t, err)
	p.Start()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`))))
	}

	assert.Eventually(t, func() bool {
		_, batches := sink.counts()
		return batches == 1
	}, 5*time.Second, 10*time.Millisecond)

	singles, _ := sink.counts()
	assert.Equal(t, 0, singles)

	require.NoError(t, p.Shutdown(ctx))
	n, _ := store.Count(ctx)
	assert.Equal(t, 0, n)
}

func TestProcessorBatchAgeFlush(t *testing.T) {
	sink := &fakeBatchSink{}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithWorkers(1),
		WithBatching(100, 30*time.Millisecond),
		WithRetry(fastRetry(3)),
		WithBreaker(quietBreaker()),
	)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`))))
	require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`))))

	assert.Eventually(t, func() bool {
		_, batches := sink.counts()
		return batches == 1
	}, 5*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	size := sink.batchSizes[0]
	sink.mu.Unlock()
	assert.Equal(t, 2, size)

	require.NoError(t, p.Shutdown(ctx))
}

func TestProcessorBatchSplitAndRetry(t *testing.T) {
	sink := &fakeBatchSink{failBatches: 1 << 30}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithWorkers(2),
		WithBatching(3, time.Minute),
		WithBatchFailurePolicy(SplitAndRetry),
		WithRetry(fastRetry(5)),
		WithBreaker(quietBreaker()),
	)
	require.NoError(t, err)
	p.Start()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`))))
	}

	// The failed batch splits: every member retries individually and
	// succeeds on the per-item path.
	assert.Eventually(t, func() bool {
		singles, _ := sink.counts()
		return singles == 3
	}, 5*time.Second, 10*time.Millisecond)

	n, _ := store.Count(ctx)
	assert.Equal(t, 0, n)

	require.NoError(t, p.Shutdown(ctx))
}

func TestProcessorDeadLetterBatchPolicy(t *testing.T) {
	sink := &fakeBatchSink{failBatches: 1 << 30}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithWorkers(1),
		WithBatching(2, time.Minute),
		WithBatchFailurePolicy(DeadLetterBatch),
		WithRetry(fastRetry(5)),
		WithBreaker(quietBreaker()),
	)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`))))
	require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`))))

	assert.Eventually(t, func() bool {
		n, _ := store.Count(ctx)
		return n == 2
	}, 5*time.Second, 10*time.Millisecond)

	records, err := store.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	for _, rec := range records {
		assert.Equal(t, contracts.KindTransient, rec.Reason)
		assert.Len(t, rec.Attempts, 1)
	}

	require.NoError(t, p.Shutdown(ctx))
}

func TestProcessorBackpressure(t *testing.T) {
	sink := &fakeSink{}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithQueueCapacity(1),
		WithBackpressure(Reject),
	)
	require.NoError(t, err)
	// Not started: nothing consumes the queue.

	require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`))))
	err = p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`)))
	assert.True(t, contracts.IsBackpressure(err))
}

func TestProcessorEnqueueAfterShutdown(t *testing.T) {
	sink := &fakeSink{}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store, WithWorkers(1))
	require.NoError(t, err)
	p.Start()
	require.NoError(t, p.Shutdown(ctx))

	err = p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`)))
	assert.ErrorIs(t, err, contracts.ErrShuttingDown)
}

func TestProcessorShutdownDrainsQueue(t *testing.T) {
	sink := &fakeSink{delay: 5 * time.Millisecond}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithWorkers(2),
		WithQueueCapacity(64),
		WithDrainPolicy(DrainComplete),
		WithDrainTimeout(5*time.Second),
	)
	require.NoError(t, err)
	p.Start()

	const total = 20
	for i := 0; i < total; i++ {
		require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`))))
	}

	require.NoError(t, p.Shutdown(ctx))

	assert.Equal(t, total, sink.successCount())
	n, _ := store.Count(ctx)
	assert.Equal(t, 0, n)
}

func TestProcessorShutdownIsIdempotent(t *testing.T) {
	sink := &fakeSink{}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store, WithWorkers(1))
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx))
}

// explodingSink panics on items whose payload contains "boom" and counts
// everything else as delivered.
type explodingSink struct {
	mu        sync.Mutex
	delivered int
}

func (s *explodingSink) Name() string        { return "exploding" }
func (s *explodingSink) SupportsBatch() bool { return false }

func (s *explodingSink) Deliver(ctx context.Context, item *contracts.WorkItem) error {
	if bytes.Contains(item.Payload, []byte("boom")) {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered++
	return nil
}

func (s *explodingSink) deliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

func TestProcessorSinkPanicDeadLettersItemAndKeepsWorkerAlive(t *testing.T) {
	sink := &explodingSink{}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithWorkers(1),
		WithRetry(fastRetry(3)),
		WithBreaker(quietBreaker()),
	)
	require.NoError(t, err)
	p.Start()

	bad := contracts.NewWorkItem([]byte(`{"boom":true}`))
	require.NoError(t, p.Enqueue(ctx, bad))
	require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{"n":1}`))))

	// The panicking item resolves to the dead letter store and the lone
	// worker survives to deliver the next item.
	assert.Eventually(t, func() bool {
		n, _ := store.Count(ctx)
		return n == 1 && sink.deliveredCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	records, err := store.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, bad.ID, rec.Item.ID)
	assert.Equal(t, contracts.KindFatal, rec.Reason)
	require.Len(t, rec.Attempts, 1)
	assert.Contains(t, rec.Attempts[0].ErrorMessage, "panic")

	require.NoError(t, p.Shutdown(ctx))
	n, _ := store.Count(ctx)
	assert.Equal(t, 1, n)
}

// switchableSink fails every delivery until restore is called.
type switchableSink struct {
	mu        sync.Mutex
	failing   bool
	calls     int
	successes int
}

func (s *switchableSink) Name() string        { return "switchable" }
func (s *switchableSink) SupportsBatch() bool { return false }

func (s *switchableSink) Deliver(ctx context.Context, item *contracts.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failing {
		return contracts.Transient("deliver", errors.New("downstream unavailable"))
	}
	s.successes++
	return nil
}

func (s *switchableSink) restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = false
}

func (s *switchableSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *switchableSink) successCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successes
}

func TestProcessorResumesParkedItemsAfterBreakerRecovers(t *testing.T) {
	sink := &switchableSink{failing: true}
	store := deadletter.NewMemoryStore()
	ctx := context.Background()

	p, err := NewProcessor(sink, store,
		WithWorkers(1),
		WithRetry(fastRetry(10)),
		WithBreaker(BreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			OpenTimeout:      200 * time.Millisecond,
			TrialConcurrency: 1,
		}),
	)
	require.NoError(t, err)
	p.Start()

	const total = 6
	for i := 0; i < total; i++ {
		require.NoError(t, p.Enqueue(ctx, contracts.NewWorkItem([]byte(`{}`))))
	}

	assert.Eventually(t, func() bool {
		return p.CircuitState() == "open"
	}, 5*time.Second, 10*time.Millisecond)

	// The sink comes back while the circuit is still open. Once the
	// cooldown admits traffic again the trial succeeds, the circuit
	// closes and every parked item is delivered.
	sink.restore()

	assert.Eventually(t, func() bool {
		return sink.successCount() == total
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "closed", p.CircuitState())
	assert.Equal(t, int64(1), p.CircuitTrips())

	// Two failures before the trip, then one delivery per item: breaker
	// rejections consumed no retry budget.
	assert.Equal(t, total+2, sink.callCount())

	n, _ := store.Count(ctx)
	assert.Equal(t, 0, n)

	require.NoError(t, p.Shutdown(ctx))
}

func TestProcessorCancelledDeliveryDoesNotConsumeAttempt(t *testing.T) {
	sink := &fakeSink{}
	store := deadletter.NewMemoryStore()

	p, err := NewProcessor(sink, store,
		WithWorkers(1),
		WithRetry(fastRetry(5)),
		WithBreaker(quietBreaker()),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	item := contracts.NewWorkItem([]byte(`{}`))
	p.process(ctx, item)

	// Cancellation won before the sink was touched: the item is captured
	// for the operator with no retry budget consumed and no failure
	// attempt recorded against it.
	assert.Equal(t, 0, sink.callCount())

	records, err := store.List(context.Background(), deadletter.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, contracts.KindShutdown, rec.Reason)
	assert.Equal(t, 0, rec.Item.AttemptCount)
	require.Len(t, rec.Attempts, 1)
	assert.Equal(t, contracts.KindShutdown, rec.Attempts[0].ErrorKind)
}
