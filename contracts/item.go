package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a work item.
type Status string

const (
	StatusReceived        Status = "received"
	StatusVerifying       Status = "verifying"
	StatusQueued          Status = "queued"
	StatusProcessing      Status = "processing"
	StatusRetryScheduled  Status = "retry-scheduled"
	StatusSucceeded       Status = "succeeded"
	StatusDeadLettered    Status = "dead-lettered"
	StatusIntegrityFailed Status = "integrity-failed"
)

// WorkItem wraps an opaque payload with the envelope the engine needs to
// route, verify, and retry it. The payload is never interpreted by the
// engine; Fields carries the logical fields that participate in integrity
// verification. AttemptCount and Status are mutated only by the processor.
type WorkItem struct {
	ID              string            `json:"id"`
	CreatedAt       time.Time         `json:"createdAt"`
	CorrelationID   string            `json:"correlationId,omitempty"`
	IntegrityDigest string            `json:"integrityDigest,omitempty"`
	Signature       []byte            `json:"signature,omitempty"`
	AttemptCount    int               `json:"attemptCount"`
	Status          Status            `json:"status"`
	Fields          map[string]string `json:"fields,omitempty"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
}

// NewWorkItem creates a work item with a generated ID and current timestamp.
func NewWorkItem(payload []byte) *WorkItem {
	return &WorkItem{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Status:    StatusReceived,
		Payload:   payload,
	}
}

// Field resolves a logical field by name. Envelope fields are addressable
// by the reserved names "id", "createdAt", "correlationId" and "payload";
// everything else is looked up in Fields. Resolution is deterministic so
// digests are reproducible across processes.
func (w *WorkItem) Field(name string) (string, bool) {
	switch name {
	case "id":
		return w.ID, true
	case "createdAt":
		return w.CreatedAt.UTC().Format(time.RFC3339Nano), true
	case "correlationId":
		return w.CorrelationID, true
	case "payload":
		return string(w.Payload), true
	}
	v, ok := w.Fields[name]
	return v, ok
}

// Clone returns a deep copy of the item. The processor hands copies to
// sinks so a misbehaving sink cannot mutate engine-owned state.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	if w.Fields != nil {
		c.Fields = make(map[string]string, len(w.Fields))
		for k, v := range w.Fields {
			c.Fields[k] = v
		}
	}
	if w.Payload != nil {
		c.Payload = append(json.RawMessage(nil), w.Payload...)
	}
	if w.Signature != nil {
		c.Signature = append([]byte(nil), w.Signature...)
	}
	return &c
}

// Attempt records one delivery attempt for an item, in order.
type Attempt struct {
	Number       int       `json:"number"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorKind    ErrorKind `json:"errorKind"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}
