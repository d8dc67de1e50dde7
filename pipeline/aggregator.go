package pipeline

import (
	"sync"
	"time"

	"github.com/glimte/auditflow-go/contracts"
)

// FlushReason tells the flush callback why the batch closed.
type FlushReason string

const (
	FlushReasonSize     FlushReason = "size"
	FlushReasonAge      FlushReason = "age"
	FlushReasonShutdown FlushReason = "shutdown"
)

// FlushFunc receives a closed batch. It runs outside the aggregator lock.
type FlushFunc func(items []*contracts.WorkItem, reason FlushReason)

// Aggregator groups items into batches bounded by size and age. The age
// timer is armed only while a batch is non-empty and a generation counter
// guards against the timer firing for a batch that a size trigger already
// flushed: whichever trigger wins, the batch is flushed exactly once.
// Close does not return until every flush already in flight has finished.
type Aggregator struct {
	mu      sync.Mutex
	items   []*contracts.WorkItem
	maxSize int
	maxAge  time.Duration
	flush   FlushFunc
	timer   *time.Timer
	gen     uint64
	closed  bool

	// Armed under mu before the batch leaves the lock, so Close cannot
	// miss a flush that has been detached but not yet delivered.
	inFlight sync.WaitGroup
}

// NewAggregator creates an aggregator delivering closed batches to flush.
func NewAggregator(maxSize int, maxAge time.Duration, flush FlushFunc) *Aggregator {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Aggregator{
		maxSize: maxSize,
		maxAge:  maxAge,
		flush:   flush,
	}
}

// Add appends an item to the open batch, creating one if the aggregator
// is empty, and flushes when the batch reaches maxSize.
func (a *Aggregator) Add(item *contracts.WorkItem) {
	a.mu.Lock()

	if a.closed {
		a.mu.Unlock()
		// Late adds after close still flush rather than vanish.
		a.flush([]*contracts.WorkItem{item}, FlushReasonShutdown)
		return
	}

	a.items = append(a.items, item)

	if len(a.items) == 1 && a.maxAge > 0 {
		gen := a.gen
		a.timer = time.AfterFunc(a.maxAge, func() { a.flushAged(gen) })
	}

	if len(a.items) >= a.maxSize {
		items := a.closeBatchLocked()
		a.inFlight.Add(1)
		a.mu.Unlock()
		a.flush(items, FlushReasonSize)
		a.inFlight.Done()
		return
	}

	a.mu.Unlock()
}

// flushAged is the timer path. It is a no-op if the batch it was armed
// for has already been flushed.
func (a *Aggregator) flushAged(gen uint64) {
	a.mu.Lock()
	if a.gen != gen || len(a.items) == 0 {
		a.mu.Unlock()
		return
	}
	items := a.closeBatchLocked()
	a.inFlight.Add(1)
	a.mu.Unlock()
	a.flush(items, FlushReasonAge)
	a.inFlight.Done()
}

// closeBatchLocked detaches the current batch and disarms its timer.
func (a *Aggregator) closeBatchLocked() []*contracts.WorkItem {
	items := a.items
	a.items = nil
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	return items
}

// Pending returns the size of the open batch.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// Close flushes any open batch, waits for in-flight timer and size
// flushes to finish, and refuses further batching. Late adds after Close
// flush synchronously in the caller's goroutine.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	var items []*contracts.WorkItem
	if len(a.items) > 0 {
		items = a.closeBatchLocked()
	}
	a.mu.Unlock()

	if len(items) > 0 {
		a.flush(items, FlushReasonShutdown)
	}
	a.inFlight.Wait()
}
