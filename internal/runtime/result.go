package runtime

import (
	"github.com/mattjoyce/agent-runtime/internal/queue"
)

// ActionStatus classifies the outcome of one action intent.
type ActionStatus string

const (
	StatusPerformed       ActionStatus = "performed"
	StatusAlreadyResolved ActionStatus = "already_resolved"
	StatusNotEligible     ActionStatus = "not_eligible"
	StatusConflict        ActionStatus = "conflict"
	StatusForbidden       ActionStatus = "forbidden"
	StatusInvalid         ActionStatus = "invalid"
	StatusFailed          ActionStatus = "failed"
)

// ActionRequest is a handler's declaration of intent to perform a
// state-changing operation. Returning one does not execute anything; the
// reconciler decides whether and when once.
type ActionRequest struct {
	ActionType     string         `json:"action_type"`
	Payload        map[string]any `json:"payload"`
	RequestID      string         `json:"request_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// ActionResult is the settled outcome of one action intent. At most one
// result per emit pass carries status performed.
type ActionResult struct {
	ActionType     string       `json:"action_type"`
	Status         ActionStatus `json:"status"`
	RequestID      string       `json:"request_id,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Details        string       `json:"details,omitempty"`
}

// ResultKind tags the EmitResult union.
type ResultKind string

const (
	KindEnqueueResult ResultKind = "enqueue_result"
	KindActionResult  ResultKind = "action_result"
	KindHandlerResult ResultKind = "handler_result"
	KindHandlerError  ResultKind = "handler_error"
)

// EmitResult is the only shape emit callers see; raw handler returns never
// escape the dispatcher. Exactly one of Action, Enqueue, Value, Err is
// meaningful per kind.
type EmitResult struct {
	Kind    ResultKind             `json:"kind"`
	Module  string                 `json:"module"`
	Action  *ActionResult          `json:"action,omitempty"`
	Enqueue *queue.EnqueueOutcome  `json:"enqueue,omitempty"`
	Value   any                    `json:"value,omitempty"`
	Err     string                 `json:"error,omitempty"`
}

func handlerResult(module string, value any) EmitResult {
	return EmitResult{Kind: KindHandlerResult, Module: module, Value: value}
}

func handlerError(module, msg string) EmitResult {
	return EmitResult{Kind: KindHandlerError, Module: module, Err: msg}
}

func actionResult(module string, res ActionResult) EmitResult {
	return EmitResult{Kind: KindActionResult, Module: module, Action: &res}
}

// SelectEnqueueWinner applies the enqueue winner rule over an emit pass:
// first enqueued, else first already_queued, else an explicit queue-conflict
// outcome when enqueue results exist but none settled. The second return is
// false when the pass contained no enqueue results at all.
func SelectEnqueueWinner(results []EmitResult) (queue.EnqueueOutcome, bool) {
	var firstAlready *queue.EnqueueOutcome
	var sawAny bool
	for _, r := range results {
		if r.Kind != KindEnqueueResult || r.Enqueue == nil {
			continue
		}
		sawAny = true
		switch r.Enqueue.Status {
		case queue.StatusEnqueued:
			return *r.Enqueue, true
		case queue.StatusAlreadyQueued:
			if firstAlready == nil {
				out := *r.Enqueue
				firstAlready = &out
			}
		}
	}
	if firstAlready != nil {
		return *firstAlready, true
	}
	if sawAny {
		return queue.EnqueueOutcome{Status: StatusQueueConflict}, true
	}
	return queue.EnqueueOutcome{}, false
}

// StatusQueueConflict is only produced by winner selection, never by the
// queue itself.
const StatusQueueConflict queue.EnqueueStatus = "queue_conflict"
