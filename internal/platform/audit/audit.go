// Package audit records who did what to which billing entity. Every state
// transition in plans, budgets, and payments produces one entry.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entry is a single audit record.
type Entry struct {
	ID         uuid.UUID       `json:"id"`
	ActorID    uuid.UUID       `json:"actor_id"`
	ActorName  string          `json:"actor_name"`
	Action     string          `json:"action"`
	EntityKind string          `json:"entity_kind"`
	EntityID   uuid.UUID       `json:"entity_id"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Sink persists audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}
