package runtime

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/mattjoyce/agent-runtime/internal/queue"
)

// ErrCapabilityRevoked is returned by tool calls after the handler's slot has
// closed (timeout or completion).
var ErrCapabilityRevoked = errors.New("handler capability revoked")

// Tools is the capability handle passed to a handler for the duration of its
// invocation. When the invocation times out the handle is revoked, so a
// late-returning handler cannot perform delayed side effects.
type Tools struct {
	queue       *queue.Queue
	ownerID     string
	submittedBy string
	revoked     atomic.Bool
}

// Enqueue submits a job scoped to the triggering event's owner. The owner is
// inherited when the request omits one.
func (t *Tools) Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.EnqueueOutcome, error) {
	if t.revoked.Load() {
		return queue.EnqueueOutcome{}, ErrCapabilityRevoked
	}
	if t.queue == nil {
		return queue.EnqueueOutcome{}, errors.New("no queue configured")
	}
	if req.OwnerID == "" {
		req.OwnerID = t.ownerID
	}
	if req.SubmittedBy == "" {
		req.SubmittedBy = t.submittedBy
	}
	return t.queue.Enqueue(ctx, req)
}

func (t *Tools) revoke() {
	t.revoked.Store(true)
}
