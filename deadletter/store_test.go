package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/auditflow-go/contracts"
	"github.com/stretchr/testify/assert"
)

func failedItem(correlation string) (*contracts.WorkItem, []contracts.Attempt) {
	item := contracts.NewWorkItem([]byte(`{"action":"order.created"}`))
	item.CorrelationID = correlation
	item.AttemptCount = 3

	attempts := []contracts.Attempt{
		{Number: 1, Timestamp: time.Now().Add(-3 * time.Second), ErrorKind: contracts.KindTransient, ErrorMessage: "timeout"},
		{Number: 2, Timestamp: time.Now().Add(-2 * time.Second), ErrorKind: contracts.KindTransient, ErrorMessage: "timeout"},
		{Number: 3, Timestamp: time.Now().Add(-1 * time.Second), ErrorKind: contracts.KindTransient, ErrorMessage: "connection refused"},
	}
	return item, attempts
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("capture preserves item and full history", func(t *testing.T) {
		store := NewMemoryStore()
		item, attempts := failedItem("corr-1")

		id, err := store.Capture(ctx, item, attempts, contracts.KindTransient)
		assert.NoError(t, err)
		assert.NotEmpty(t, id)

		rec, err := store.Get(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, item.ID, rec.Item.ID)
		assert.Len(t, rec.Attempts, 3)
		assert.Equal(t, contracts.KindTransient, rec.Reason)
		assert.False(t, rec.EnqueuedAt.IsZero())
	})

	t.Run("get unknown record", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("list filters by reason and correlation", func(t *testing.T) {
		store := NewMemoryStore()

		i1, a1 := failedItem("corr-a")
		store.Capture(ctx, i1, a1, contracts.KindTransient)
		i2, _ := failedItem("corr-b")
		store.Capture(ctx, i2, nil, contracts.KindIntegrity)

		integrity, err := store.List(ctx, Filter{Reason: contracts.KindIntegrity})
		assert.NoError(t, err)
		assert.Len(t, integrity, 1)
		assert.Equal(t, i2.ID, integrity[0].Item.ID)

		byCorr, err := store.List(ctx, Filter{CorrelationID: "corr-a"})
		assert.NoError(t, err)
		assert.Len(t, byCorr, 1)

		all, err := store.List(ctx, Filter{})
		assert.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("list respects limit", func(t *testing.T) {
		store := NewMemoryStore()
		for i := 0; i < 5; i++ {
			item, _ := failedItem("corr")
			store.Capture(ctx, item, nil, contracts.KindFatal)
		}

		recs, err := store.List(ctx, Filter{Limit: 2})
		assert.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("purge removes old records", func(t *testing.T) {
		store := NewMemoryStore()
		item, _ := failedItem("corr")
		store.Capture(ctx, item, nil, contracts.KindFatal)

		removed, err := store.Purge(ctx, time.Now().Add(time.Minute))
		assert.NoError(t, err)
		assert.Equal(t, 1, removed)

		n, _ := store.Count(ctx)
		assert.Equal(t, 0, n)
	})
}

type captureEnqueuer struct {
	items []*contracts.WorkItem
	err   error
}

func (e *captureEnqueuer) Enqueue(_ context.Context, item *contracts.WorkItem) error {
	if e.err != nil {
		return e.err
	}
	e.items = append(e.items, item)
	return nil
}

func TestReplay(t *testing.T) {
	ctx := context.Background()

	t.Run("re-enqueues once and removes the record", func(t *testing.T) {
		store := NewMemoryStore()
		item, attempts := failedItem("corr-1")
		id, _ := store.Capture(ctx, item, attempts, contracts.KindTransient)

		enq := &captureEnqueuer{}
		assert.NoError(t, Replay(ctx, store, enq, id))

		assert.Len(t, enq.items, 1)
		assert.Equal(t, item.ID, enq.items[0].ID)
		assert.Equal(t, 0, enq.items[0].AttemptCount)
		assert.Equal(t, contracts.StatusReceived, enq.items[0].Status)

		_, err := store.Get(ctx, id)
		assert.ErrorIs(t, err, ErrRecordNotFound)

		// A second replay of the same record must fail: exactly once.
		assert.Error(t, Replay(ctx, store, enq, id))
		assert.Len(t, enq.items, 1)
	})

	t.Run("failed hand-off leaves the record intact", func(t *testing.T) {
		store := NewMemoryStore()
		item, attempts := failedItem("corr-1")
		id, _ := store.Capture(ctx, item, attempts, contracts.KindTransient)

		enq := &captureEnqueuer{err: errors.New("queue full")}
		assert.Error(t, Replay(ctx, store, enq, id))

		rec, err := store.Get(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, item.ID, rec.Item.ID)
	})
}
