package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/glimte/auditflow-go/contracts"
)

var (
	ErrRecordNotFound = errors.New("dead letter store: record not found")
	ErrStoreClosed    = errors.New("dead letter store: closed")
)

// Store persists dead letter records.
type Store interface {
	// Capture stores a failed item and returns the record ID.
	Capture(ctx context.Context, item *contracts.WorkItem, attempts []contracts.Attempt, reason contracts.ErrorKind) (string, error)
	// Get returns a record by ID.
	Get(ctx context.Context, id string) (*Record, error)
	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Record, error)
	// Delete removes a record.
	Delete(ctx context.Context, id string) error
	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
	// Purge removes records captured before the cutoff and returns how
	// many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
}

// Enqueuer is the hand-off target for replayed items, implemented by the
// processor's ingest boundary.
type Enqueuer interface {
	Enqueue(ctx context.Context, item *contracts.WorkItem) error
}

// Replay re-enqueues a dead-lettered item exactly once. The record is
// deleted only after the queue confirms the hand-off; a crash before that
// point leaves the record intact for another replay.
func Replay(ctx context.Context, store Store, enq Enqueuer, recordID string) error {
	rec, err := store.Get(ctx, recordID)
	if err != nil {
		return err
	}

	item := rec.Item.Clone()
	item.AttemptCount = 0
	item.Status = contracts.StatusReceived

	if err := enq.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("replay record %s: %w", recordID, err)
	}

	return store.Delete(ctx, recordID)
}

// MemoryStore is an in-memory Store for tests and single-run tooling.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Capture implements Store
func (s *MemoryStore) Capture(_ context.Context, item *contracts.WorkItem, attempts []contracts.Attempt, reason contracts.ErrorKind) (string, error) {
	rec := NewRecord(item, attempts, reason)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return rec.ID, nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

// List implements Store
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Record
	for _, rec := range s.records {
		if filter.matches(rec) {
			cp := *rec
			results = append(results, &cp)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].EnqueuedAt.After(results[j].EnqueuedAt)
	})

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(s.records, id)
	return nil
}

// Count implements Store
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Purge implements Store
func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if rec.EnqueuedAt.Before(before) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
