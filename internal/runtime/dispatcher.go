package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/agent-runtime/internal/log"
	"github.com/mattjoyce/agent-runtime/internal/queue"
)

// Source resolves the handler bindings for an event type. The extension
// loader's active snapshot implements it; the dispatcher only borrows the
// resolved bindings for the duration of one Emit call.
type Source interface {
	BindingsFor(eventType string) []Binding
}

// Backend executes one action against the hosting application. The core does
// not implement the business logic, it only governs whether and when once a
// backend is called. Backends report their own verdict: performed,
// already_resolved (target settled by another actor), conflict, forbidden,
// or failed.
type Backend func(ctx context.Context, payload map[string]any) ActionResult

// Ledger is the injected idempotency store consulted before executing an
// intent and appended to after a performed one.
type Ledger interface {
	Seen(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key, actionType string) error
}

// Dispatcher fans events out to subscribed handlers and reconciles the
// action intents they return.
type Dispatcher struct {
	source         Source
	ledger         Ledger
	queue          *queue.Queue
	backends       map[string]Backend
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewDispatcher wires the engine. backends maps action types to injected
// executors; queue serves queue.enqueue intents and the handler tool handle.
func NewDispatcher(source Source, ledger Ledger, q *queue.Queue, backends map[string]Backend, defaultTimeout time.Duration) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultHandlerTimeout
	}
	if backends == nil {
		backends = make(map[string]Backend)
	}
	return &Dispatcher{
		source:         source,
		ledger:         ledger,
		queue:          q,
		backends:       backends,
		defaultTimeout: defaultTimeout,
		logger:         log.WithComponent("dispatch"),
	}
}

// RegisterBackend binds an action type to an executor. Later registrations
// replace earlier ones.
func (d *Dispatcher) RegisterBackend(actionType string, b Backend) {
	d.backends[actionType] = b
}

// Emit invokes every handler subscribed to ev.Type in deterministic order
// and returns one normalized result per handler, in invocation order. Fanout
// is never short-circuited: every handler runs no matter what earlier ones
// returned; only action execution is subject to the first-wins rule.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) []EmitResult {
	bindings := d.source.BindingsFor(ev.Type)
	results := make([]EmitResult, 0, len(bindings))
	if len(bindings) == 0 {
		return results
	}

	logger := log.WithEvent(ev.Type, ev.CorrelationID)
	logger.Debug("dispatching event", "handlers", len(bindings))

	rec := newReconciler(d, ev)
	for _, b := range bindings {
		results = append(results, d.invoke(ctx, ev, b, rec, logger))
	}
	return results
}

type handlerOutcome struct {
	value any
	err   error
}

// invoke races one handler against its timeout. Losing the race discards the
// handler's eventual result and revokes its tool handle; the slot yields
// exactly one handler_error.
func (d *Dispatcher) invoke(ctx context.Context, ev Event, b Binding, rec *reconciler, logger *slog.Logger) EmitResult {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	tools := &Tools{queue: d.queue, ownerID: rec.scope.ownerID(), submittedBy: b.Module}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- handlerOutcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		v, err := b.Handler(hctx, ev, tools)
		ch <- handlerOutcome{value: v, err: err}
	}()

	select {
	case out := <-ch:
		tools.revoke()
		if out.err != nil {
			logger.Warn("handler failed", "module", b.Module, "error", out.err)
			return handlerError(b.Module, out.err.Error())
		}
		return rec.normalize(ctx, b, out.value)
	case <-hctx.Done():
		tools.revoke()
		logger.Warn("handler timed out", "module", b.Module, "timeout", timeout)
		return handlerError(b.Module, fmt.Sprintf("handler timed out after %v", timeout))
	}
}
