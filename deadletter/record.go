// Package deadletter provides durable storage for items that permanently
// failed processing, with inspection, replay, and purge operations for
// operational tooling.
package deadletter

import (
	"time"

	"github.com/glimte/auditflow-go/contracts"
	"github.com/google/uuid"
)

// Record holds a permanently failed item together with its full attempt
// history. Exactly one record is created per failed item; the history is
// append-only up to the point of capture.
type Record struct {
	ID         string              `json:"id"`
	Item       contracts.WorkItem  `json:"item"`
	Attempts   []contracts.Attempt `json:"attempts"`
	Reason     contracts.ErrorKind `json:"reason"`
	EnqueuedAt time.Time           `json:"enqueuedAt"`
}

// NewRecord creates a record for a failed item.
func NewRecord(item *contracts.WorkItem, attempts []contracts.Attempt, reason contracts.ErrorKind) *Record {
	return &Record{
		ID:         uuid.New().String(),
		Item:       *item.Clone(),
		Attempts:   append([]contracts.Attempt(nil), attempts...),
		Reason:     reason,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Reason        contracts.ErrorKind
	CorrelationID string
	Since         time.Time
	Until         time.Time
	Limit         int
}

func (f Filter) matches(r *Record) bool {
	if f.Reason != "" && r.Reason != f.Reason {
		return false
	}
	if f.CorrelationID != "" && r.Item.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && r.EnqueuedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.EnqueuedAt.After(f.Until) {
		return false
	}
	return true
}
