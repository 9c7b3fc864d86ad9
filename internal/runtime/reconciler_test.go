package runtime

import (
	"context"
	"testing"

	"github.com/mattjoyce/agent-runtime/internal/queue"
)

func enqueueIntent(payload map[string]any) Handler {
	return func(ctx context.Context, ev Event, tools *Tools) (any, error) {
		return &ActionRequest{ActionType: ActionEnqueue, Payload: payload}, nil
	}
}

func TestEnqueueInheritsOwnerFromScope(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	src := sourceOf(Binding{Module: "m", EventType: "turn.completed", Handler: enqueueIntent(map[string]any{
		"jobType":   "suggestion.generate",
		"dedupeKey": "turn-1",
	})})
	d := NewDispatcher(src, newMemLedger(), q, nil, 0)

	results := d.Emit(context.Background(), NewEvent("turn.completed", map[string]any{"projectId": "proj-1", "turnId": "turn-1"}))
	if results[0].Kind != KindEnqueueResult || results[0].Enqueue.Status != queue.StatusEnqueued {
		t.Fatalf("unexpected result: %+v", results[0])
	}

	j, err := q.Get(context.Background(), results[0].Enqueue.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.OwnerID != "proj-1" {
		t.Fatalf("owner not inherited from scope: %+v", j)
	}
}

func TestEnqueueCrossProjectRejected(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	src := sourceOf(Binding{Module: "m", EventType: "X", Handler: enqueueIntent(map[string]any{
		"jobType":   "suggestion.generate",
		"projectId": "somebody-else",
	})})
	d := NewDispatcher(src, newMemLedger(), q, nil, 0)

	results := d.Emit(context.Background(), NewEvent("X", map[string]any{"projectId": "proj-1"}))
	if results[0].Kind != KindActionResult || results[0].Action.Status != StatusInvalid {
		t.Fatalf("expected invalid for cross-project enqueue: %+v", results[0])
	}

	jobs, err := q.List(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("no job may be created: %+v", jobs)
	}
}

func TestEnqueueNoOwnerAnywhere(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(sourceOf(Binding{Module: "m", EventType: "X", Handler: enqueueIntent(map[string]any{
		"jobType": "t",
	})}), newMemLedger(), newTestQueue(t), nil, 0)

	results := d.Emit(context.Background(), NewEvent("X", nil))
	if results[0].Action == nil || results[0].Action.Status != StatusInvalid {
		t.Fatalf("expected invalid without an owning scope: %+v", results[0])
	}
}

func TestEnqueueClassIsNotBlockedByActionWinner(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	src := sourceOf(
		Binding{Module: "a", EventType: "X", Priority: 1, Handler: func(ctx context.Context, ev Event, tools *Tools) (any, error) {
			return &ActionRequest{ActionType: "approval.decide", Payload: map[string]any{"x": 1}}, nil
		}},
		Binding{Module: "b", EventType: "X", Priority: 2, Handler: enqueueIntent(map[string]any{
			"jobType": "explain.diff",
		})},
	)
	d := NewDispatcher(src, newMemLedger(), q, map[string]Backend{"approval.decide": performingBackend()}, 0)

	results := d.Emit(context.Background(), NewEvent("X", map[string]any{"projectId": "p1"}))
	if results[0].Action.Status != StatusPerformed {
		t.Fatalf("result 0: %+v", results[0])
	}
	if results[1].Kind != KindEnqueueResult || results[1].Enqueue.Status != queue.StatusEnqueued {
		t.Fatalf("enqueue intents are their own class: %+v", results[1])
	}
}

func TestEnqueueDedupeAcrossHandlers(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	intent := enqueueIntent(map[string]any{"jobType": "suggestion.generate", "dedupeKey": "turn-9"})
	src := sourceOf(
		Binding{Module: "a", EventType: "X", Priority: 1, Handler: intent},
		Binding{Module: "b", EventType: "X", Priority: 2, Handler: intent},
	)
	d := NewDispatcher(src, newMemLedger(), q, nil, 0)

	results := d.Emit(context.Background(), NewEvent("X", map[string]any{"projectId": "p1"}))
	if results[0].Enqueue.Status != queue.StatusEnqueued {
		t.Fatalf("result 0: %+v", results[0])
	}
	if results[1].Enqueue.Status != queue.StatusAlreadyQueued || results[1].Enqueue.JobID != results[0].Enqueue.JobID {
		t.Fatalf("second enqueue must observe the first job: %+v", results[1])
	}

	winner, ok := SelectEnqueueWinner(results)
	if !ok || winner.Status != queue.StatusEnqueued || winner.JobID != results[0].Enqueue.JobID {
		t.Fatalf("unexpected winner: %+v ok=%v", winner, ok)
	}
}

func TestSelectEnqueueWinnerRules(t *testing.T) {
	t.Parallel()

	already := queue.EnqueueOutcome{Status: queue.StatusAlreadyQueued, JobID: "j1"}
	full := queue.EnqueueOutcome{Status: queue.StatusQueueFull}

	winner, ok := SelectEnqueueWinner([]EmitResult{
		{Kind: KindEnqueueResult, Enqueue: &full},
		{Kind: KindEnqueueResult, Enqueue: &already},
	})
	if !ok || winner.Status != queue.StatusAlreadyQueued || winner.JobID != "j1" {
		t.Fatalf("expected already_queued winner: %+v", winner)
	}

	winner, ok = SelectEnqueueWinner([]EmitResult{{Kind: KindEnqueueResult, Enqueue: &full}})
	if !ok || winner.Status != StatusQueueConflict {
		t.Fatalf("expected queue_conflict: %+v", winner)
	}

	if _, ok := SelectEnqueueWinner([]EmitResult{{Kind: KindHandlerResult}}); ok {
		t.Fatal("no enqueue results means no winner")
	}
}

func TestDeriveIdempotencyKeyStable(t *testing.T) {
	t.Parallel()

	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"y": "z", "x": "w"}}
	b := map[string]any{"nested": map[string]any{"x": "w", "y": "z"}, "a": 1, "b": 2}

	if DeriveIdempotencyKey("approval.decide", a) != DeriveIdempotencyKey("approval.decide", b) {
		t.Fatal("equivalent payloads must derive the same key")
	}
	if DeriveIdempotencyKey("approval.decide", a) == DeriveIdempotencyKey("transcript.upsert", a) {
		t.Fatal("action type must participate in the key")
	}
	c := map[string]any{"a": 1}
	if DeriveIdempotencyKey("approval.decide", a) == DeriveIdempotencyKey("approval.decide", c) {
		t.Fatal("different payloads must derive different keys")
	}
}

func TestDeriveScope(t *testing.T) {
	t.Parallel()

	s := deriveScope(map[string]any{
		"projectId":       "p1",
		"sourceSessionId": "s1",
		"turnId":          "t1",
		"unrelated":       42,
	})
	if s.projectID != "p1" || s.sessionID != "s1" || s.turnID != "t1" {
		t.Fatalf("unexpected scope: %+v", s)
	}
	if s.ownerID() != "p1" {
		t.Fatalf("project wins as owner: %q", s.ownerID())
	}

	s = deriveScope(map[string]any{"sourceSessionId": "s1"})
	if s.ownerID() != "s1" {
		t.Fatalf("session is the fallback owner: %q", s.ownerID())
	}
}
