package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/glimte/auditflow-go/contracts"
)

// BackpressurePolicy decides what happens to a producer when the queue is
// at capacity.
type BackpressurePolicy int

const (
	// Reject returns a BackpressureError immediately.
	Reject BackpressurePolicy = iota
	// Block waits for space, honoring context cancellation.
	Block
)

// Queue is the bounded, thread-safe hand-off between producers and
// workers. Capacity is fixed at construction and independent from the
// worker count.
type Queue struct {
	ch       chan *contracts.WorkItem
	capacity int
	policy   BackpressurePolicy
	closed   atomic.Bool
	done     chan struct{}
}

// NewQueue creates a bounded queue.
func NewQueue(capacity int, policy BackpressurePolicy) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:       make(chan *contracts.WorkItem, capacity),
		capacity: capacity,
		policy:   policy,
		done:     make(chan struct{}),
	}
}

// Enqueue offers an item to the queue. At capacity it either rejects with
// a contracts.BackpressureError or blocks, per policy. After Close it
// always returns contracts.ErrQueueClosed.
func (q *Queue) Enqueue(ctx context.Context, item *contracts.WorkItem) error {
	if q.closed.Load() {
		return contracts.ErrQueueClosed
	}

	if q.policy == Reject {
		select {
		case q.ch <- item:
			return nil
		default:
			return &contracts.BackpressureError{Capacity: q.capacity}
		}
	}

	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return contracts.ErrQueueClosed
	}
}

// TryEnqueue offers an item without blocking regardless of policy. Used
// for requeues where the caller has its own fallback.
func (q *Queue) TryEnqueue(item *contracts.WorkItem) error {
	if q.closed.Load() {
		return contracts.ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return &contracts.BackpressureError{Capacity: q.capacity}
	}
}

// EnqueueWait blocks for space regardless of policy. Engine-internal
// requeues use it so a Reject-policy queue cannot drop a scheduled retry.
func (q *Queue) EnqueueWait(ctx context.Context, item *contracts.WorkItem) error {
	if q.closed.Load() {
		return contracts.ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return contracts.ErrQueueClosed
	}
}

// Dequeue blocks until an item is available. After Close it keeps
// returning buffered items until the queue is drained, then returns
// contracts.ErrQueueClosed so workers can exit.
func (q *Queue) Dequeue(ctx context.Context) (*contracts.WorkItem, error) {
	for {
		select {
		case item := <-q.ch:
			return item, nil
		default:
		}

		select {
		case item := <-q.ch:
			return item, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			// Drain what is already buffered before reporting closed.
			select {
			case item := <-q.ch:
				return item, nil
			default:
				return nil, contracts.ErrQueueClosed
			}
		}
	}
}

// Drain removes and returns everything currently buffered without
// blocking.
func (q *Queue) Drain() []*contracts.WorkItem {
	var items []*contracts.WorkItem
	for {
		select {
		case item := <-q.ch:
			items = append(items, item)
		default:
			return items
		}
	}
}

// Close stops the queue from accepting new items. Buffered items remain
// available to Dequeue and Drain.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}

// Depth returns the number of buffered items.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Capacity returns the queue capacity.
func (q *Queue) Capacity() int {
	return q.capacity
}
