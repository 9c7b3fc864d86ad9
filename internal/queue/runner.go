package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/agent-runtime/internal/log"
)

// Handler executes one job. Cancellation is cooperative: the handler observes
// ctx and returns ctx.Err() when it acknowledges the cancel.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// Runner drains the queue with a small worker pool, executing registered
// handlers by job type.
type Runner struct {
	queue        *Queue
	workers      int
	pollInterval time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRunner creates a runner with the given pool size (min 1).
func NewRunner(q *Queue, workers int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		queue:        q,
		workers:      workers,
		pollInterval: 250 * time.Millisecond,
		logger:       log.WithComponent("runner"),
		handlers:     make(map[string]Handler),
		stopCh:       make(chan struct{}),
	}
}

// Register binds a handler to a job type. Later registrations replace
// earlier ones.
func (r *Runner) Register(jobType string, h Handler) {
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
}

// Start launches the worker pool. It returns immediately; Stop waits for
// in-flight jobs to settle.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("runner started", "workers", r.workers)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work(ctx)
	}
}

// Stop stops claiming new jobs and waits for workers to finish.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("runner stopped")
}

func (r *Runner) work(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			for {
				claimed, err := r.runNext(ctx)
				if err != nil {
					r.logger.Error("failed to run job", "error", err)
					break
				}
				if !claimed {
					break
				}
			}
		}
	}
}

// runNext claims and executes one job. Returns false when the queue is empty.
func (r *Runner) runNext(ctx context.Context) (bool, error) {
	job, jobCtx, err := r.queue.claim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	jobLogger := log.WithJob(job.ID).With("type", job.Type, "owner_id", job.OwnerID)

	r.mu.Lock()
	h, ok := r.handlers[job.Type]
	r.mu.Unlock()
	if !ok {
		msg := fmt.Sprintf("no handler registered for job type %q", job.Type)
		jobLogger.Error(msg)
		r.queue.settle(ctx, job.ID, StateFailed, nil, &msg)
		return true, nil
	}

	jobLogger.Info("job running")
	result, err := r.execute(jobCtx, h, job)

	switch {
	case err != nil && (errors.Is(err, context.Canceled) || jobCtx.Err() != nil):
		jobLogger.Info("job canceled")
		r.queue.settle(ctx, job.ID, StateCanceled, nil, nil)
	case err != nil:
		msg := err.Error()
		jobLogger.Warn("job failed", "error", msg)
		r.queue.settle(ctx, job.ID, StateFailed, nil, &msg)
	default:
		jobLogger.Info("job completed")
		r.queue.settle(ctx, job.ID, StateCompleted, result, nil)
	}
	return true, nil
}

// execute isolates handler panics so one bad handler cannot kill a worker.
func (r *Runner) execute(ctx context.Context, h Handler, job *Job) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job handler panic: %v", rec)
		}
	}()
	return h(ctx, job)
}
