// Package queue is the durable background job queue: single-flight dedupe by
// (owner, dedupe key), a bounded one-directional state machine, cooperative
// cancellation, and lifecycle notifications for external subscribers.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/agent-runtime/internal/events"
	"github.com/mattjoyce/agent-runtime/internal/log"
)

const DefaultCapacity = 256

// Queue owns the job lifecycle. All state transitions flow through it so the
// machine stays monotonic regardless of who calls.
type Queue struct {
	store    Store
	hub      *events.Hub
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a queue over the given store. capacity bounds the number of
// non-terminal jobs; <= 0 selects DefaultCapacity.
func New(store Store, hub *events.Hub, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Queue{
		store:    store,
		hub:      hub,
		capacity: capacity,
		logger:   log.WithComponent("queue"),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Enqueue creates a job unless an active job with the same (owner, dedupe
// key) exists, in which case the existing job's identity is returned with
// status already_queued. A saturated queue fails fast with queue_full.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueOutcome, error) {
	if req.Type == "" {
		return EnqueueOutcome{}, fmt.Errorf("job type is empty")
	}
	if req.OwnerID == "" {
		return EnqueueOutcome{}, fmt.Errorf("owner_id is empty")
	}

	// The lock makes dedupe-check plus insert a single step: two concurrent
	// calls with the same key cannot both create jobs.
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.store.FindActive(ctx, req.OwnerID, req.DedupeKey)
	if err != nil {
		return EnqueueOutcome{}, err
	}
	if existing != nil {
		return EnqueueOutcome{Status: StatusAlreadyQueued, JobID: existing.ID}, nil
	}

	active, err := q.store.CountActive(ctx)
	if err != nil {
		return EnqueueOutcome{}, err
	}
	if active >= q.capacity {
		return EnqueueOutcome{Status: StatusQueueFull}, nil
	}

	now := time.Now().UTC()
	j := &Job{
		ID:        uuid.NewString(),
		Type:      req.Type,
		OwnerID:   req.OwnerID,
		State:     StateQueued,
		DedupeKey: req.DedupeKey,
		Payload:   req.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.Insert(ctx, j); err != nil {
		return EnqueueOutcome{}, err
	}

	q.logger.Info("job enqueued", "job_id", j.ID, "type", j.Type, "owner_id", j.OwnerID, "submitted_by", req.SubmittedBy)
	q.publish("job.queued", j)
	return EnqueueOutcome{Status: StatusEnqueued, JobID: j.ID}, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// Depth returns the number of non-terminal jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.CountActive(ctx)
}

// List returns jobs filtered by owner and optionally state.
func (q *Queue) List(ctx context.Context, ownerID string, state *State) ([]*Job, error) {
	return q.store.List(ctx, ownerID, state)
}

// Cancel is idempotent: terminal jobs return their terminal state unchanged.
// A queued job is canceled immediately; a running job gets a cooperative
// cancellation signal and stays running until the worker settles it.
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case j.State.Terminal():
		return j, nil
	case j.State == StateQueued:
		ok, err := q.store.Transition(ctx, id, StateQueued, StateCanceled, nil, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost the race to a worker claim; fall back to cooperative cancel.
			return q.cancelRunningLocked(ctx, id)
		}
		j, err = q.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		q.logger.Info("job canceled", "job_id", id)
		q.publish("job.canceled", j)
		return j, nil
	default:
		return q.cancelRunningLocked(ctx, id)
	}
}

func (q *Queue) cancelRunningLocked(ctx context.Context, id string) (*Job, error) {
	if cancel, ok := q.cancels[id]; ok {
		cancel()
	}
	return q.store.Get(ctx, id)
}

// claim pulls the next queued job and registers its cancel func.
func (q *Queue) claim(ctx context.Context) (*Job, context.Context, error) {
	j, err := q.store.ClaimNext(ctx)
	if err != nil || j == nil {
		return nil, nil, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancels[j.ID] = cancel
	q.mu.Unlock()

	q.publish("job.started", j)
	return j, jobCtx, nil
}

// settle records a running job's terminal state.
func (q *Queue) settle(ctx context.Context, id string, to State, result []byte, jobErr *string) {
	q.mu.Lock()
	if cancel, ok := q.cancels[id]; ok {
		cancel()
		delete(q.cancels, id)
	}
	q.mu.Unlock()

	ok, err := q.store.Transition(ctx, id, StateRunning, to, result, jobErr)
	if err != nil {
		q.logger.Error("failed to settle job", "job_id", id, "state", to, "error", err)
		return
	}
	if !ok {
		q.logger.Warn("job already settled", "job_id", id, "state", to)
		return
	}

	j, err := q.store.Get(ctx, id)
	if err != nil {
		q.logger.Error("failed to load settled job", "job_id", id, "error", err)
		return
	}
	q.publish("job."+string(to), j)
}

func (q *Queue) publish(notifType string, j *Job) {
	q.hub.Publish(notifType, map[string]any{
		"job_id":   j.ID,
		"type":     j.Type,
		"owner_id": j.OwnerID,
		"state":    j.State,
	})
}
