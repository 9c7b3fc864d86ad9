// Package runtime is the dispatch and reconciliation engine: deterministic
// fanout of events to registered handlers, per-handler timeout isolation,
// first-wins reconciliation of competing action intents, and scope-locked,
// idempotent action execution.
package runtime

import (
	"time"

	"github.com/google/uuid"
)

// CoreAPIVersion is the version extension compatibility ranges are evaluated
// against.
const CoreAPIVersion = "2.3.0"

// Event is one normalized occurrence from the external agent process or the
// internal lifecycle. It is immutable; handlers read the payload, they never
// mutate it.
type Event struct {
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	EmittedAt     time.Time      `json:"emitted_at"`
	CorrelationID string         `json:"correlation_id"`
}

// NewEvent builds an event with the emission timestamp and a fresh
// correlation id.
func NewEvent(eventType string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		Type:          eventType,
		Payload:       payload,
		EmittedAt:     time.Now().UTC(),
		CorrelationID: uuid.NewString(),
	}
}
