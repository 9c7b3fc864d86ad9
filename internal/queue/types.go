package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// State is a job lifecycle state. Transitions are one-directional; terminal
// states are final and retained until externally purged.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is a legal lifecycle step.
func (s State) CanTransition(to State) bool {
	switch s {
	case StateQueued:
		return to == StateRunning || to == StateCanceled
	case StateRunning:
		return to == StateCompleted || to == StateFailed || to == StateCanceled
	}
	return false
}

// Job is one unit of deferred work owned by a project or session.
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	OwnerID   string          `json:"owner_id"`
	State     State           `json:"state"`
	DedupeKey string          `json:"dedupe_key,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *string         `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EnqueueRequest describes a job to create.
type EnqueueRequest struct {
	Type        string
	OwnerID     string
	DedupeKey   string
	Payload     json.RawMessage
	SubmittedBy string
}

// EnqueueStatus classifies the outcome of an Enqueue call.
type EnqueueStatus string

const (
	StatusEnqueued      EnqueueStatus = "enqueued"
	StatusAlreadyQueued EnqueueStatus = "already_queued"
	StatusQueueFull     EnqueueStatus = "queue_full"
)

// EnqueueOutcome is the caller-visible result of Enqueue. JobID references
// the created job, or the existing one for already_queued.
type EnqueueOutcome struct {
	Status EnqueueStatus `json:"status"`
	JobID  string        `json:"job_id,omitempty"`
}

var ErrJobNotFound = errors.New("job not found")
