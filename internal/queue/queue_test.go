package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mattjoyce/agent-runtime/internal/events"
	"github.com/mattjoyce/agent-runtime/internal/storage"
)

func newTestQueue(t *testing.T, capacity int) (*Queue, *events.Hub) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "runtime.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	hub := events.NewHub(64)
	return New(NewSQLiteStore(db), hub, capacity), hub
}

func TestEnqueueAndGet(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	out, err := q.Enqueue(ctx, EnqueueRequest{
		Type:      "suggestion.generate",
		OwnerID:   "proj-1",
		DedupeKey: "turn-9",
		Payload:   []byte(`{"turnId":"turn-9"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if out.Status != StatusEnqueued || out.JobID == "" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	j, err := q.Get(ctx, out.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.State != StateQueued || j.OwnerID != "proj-1" || j.DedupeKey != "turn-9" {
		t.Fatalf("unexpected job: %+v", j)
	}
}

func TestEnqueueDedupesActiveJobs(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, EnqueueRequest{Type: "explain.diff", OwnerID: "proj-1", DedupeKey: "d1"})
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	second, err := q.Enqueue(ctx, EnqueueRequest{Type: "explain.diff", OwnerID: "proj-1", DedupeKey: "d1"})
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if second.Status != StatusAlreadyQueued || second.JobID != first.JobID {
		t.Fatalf("expected already_queued referencing %s, got %+v", first.JobID, second)
	}

	// A different owner with the same key is not deduped.
	other, err := q.Enqueue(ctx, EnqueueRequest{Type: "explain.diff", OwnerID: "proj-2", DedupeKey: "d1"})
	if err != nil {
		t.Fatalf("Enqueue other owner: %v", err)
	}
	if other.Status != StatusEnqueued {
		t.Fatalf("expected enqueued for other owner, got %+v", other)
	}
}

func TestEnqueueSingleFlightUnderConcurrency(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	const callers = 16
	outcomes := make([]EnqueueOutcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := q.Enqueue(ctx, EnqueueRequest{Type: "suggestion.generate", OwnerID: "proj-1", DedupeKey: "race"})
			if err != nil {
				t.Errorf("Enqueue: %v", err)
				return
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	var enqueued, already int
	var jobID string
	for _, out := range outcomes {
		switch out.Status {
		case StatusEnqueued:
			enqueued++
			jobID = out.JobID
		case StatusAlreadyQueued:
			already++
		}
	}
	if enqueued != 1 || already != callers-1 {
		t.Fatalf("expected exactly one enqueued, got enqueued=%d already=%d", enqueued, already)
	}
	for _, out := range outcomes {
		if out.JobID != jobID {
			t.Fatalf("all outcomes must reference the same job: %+v", outcomes)
		}
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", OwnerID: "proj-1"})
		if err != nil || out.Status != StatusEnqueued {
			t.Fatalf("Enqueue %d: %v %+v", i, err, out)
		}
	}

	out, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", OwnerID: "proj-1"})
	if err != nil {
		t.Fatalf("Enqueue over capacity: %v", err)
	}
	if out.Status != StatusQueueFull || out.JobID != "" {
		t.Fatalf("expected queue_full, got %+v", out)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	out, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", OwnerID: "proj-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	j, err := q.Cancel(ctx, out.JobID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if j.State != StateCanceled {
		t.Fatalf("expected canceled, got %s", j.State)
	}

	// Idempotent: canceling a terminal job returns the terminal state.
	j2, err := q.Cancel(ctx, out.JobID)
	if err != nil {
		t.Fatalf("Cancel again: %v", err)
	}
	if j2.State != StateCanceled {
		t.Fatalf("expected canceled on replay, got %s", j2.State)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 0)
	if _, err := q.Cancel(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestCanceledJobNeverRequeues(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	out, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", OwnerID: "proj-1", DedupeKey: "d"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Cancel(ctx, out.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Terminal job no longer holds the dedupe slot.
	again, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", OwnerID: "proj-1", DedupeKey: "d"})
	if err != nil {
		t.Fatalf("Enqueue after cancel: %v", err)
	}
	if again.Status != StatusEnqueued || again.JobID == out.JobID {
		t.Fatalf("expected a fresh job, got %+v", again)
	}
}

func TestStateMachineGuards(t *testing.T) {
	t.Parallel()

	legal := map[State][]State{
		StateQueued:    {StateRunning, StateCanceled},
		StateRunning:   {StateCompleted, StateFailed, StateCanceled},
		StateCompleted: {},
		StateFailed:    {},
		StateCanceled:  {},
	}
	all := []State{StateQueued, StateRunning, StateCompleted, StateFailed, StateCanceled}

	for from, allowed := range legal {
		allowedSet := make(map[State]bool)
		for _, s := range allowed {
			allowedSet[s] = true
		}
		for _, to := range all {
			if got := from.CanTransition(to); got != allowedSet[to] {
				t.Errorf("%s -> %s: got %v", from, to, got)
			}
		}
	}
}
