package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/agent-runtime/internal/queue"
)

// ActionEnqueue is the action type served by the job queue rather than an
// injected backend.
const ActionEnqueue = "queue.enqueue"

// scopeSensitive lists action types whose payload targets are locked to the
// scope derived from the triggering event.
var scopeSensitive = map[string]bool{
	"transcript.upsert": true,
	"approval.decide":   true,
	"turn.steer.create": true,
}

// scope is the project/session/turn lock derived from the event payload.
type scope struct {
	projectID string
	sessionID string
	turnID    string
}

func deriveScope(payload map[string]any) scope {
	return scope{
		projectID: stringField(payload, "projectId"),
		sessionID: stringField(payload, "sourceSessionId"),
		turnID:    stringField(payload, "turnId"),
	}
}

func (s scope) ownerID() string {
	if s.projectID != "" {
		return s.projectID
	}
	return s.sessionID
}

// disagrees reports whether a payload names a different target than the
// derived scope. Absent payload fields inherit the scope, they never
// disagree.
func (s scope) disagrees(payload map[string]any) (string, bool) {
	if v := stringField(payload, "projectId"); v != "" && s.projectID != "" && v != s.projectID {
		return fmt.Sprintf("payload projectId %q outside event scope %q", v, s.projectID), true
	}
	if v := stringField(payload, "sourceSessionId"); v != "" && s.sessionID != "" && v != s.sessionID {
		return fmt.Sprintf("payload sourceSessionId %q outside event scope %q", v, s.sessionID), true
	}
	if v := stringField(payload, "turnId"); v != "" && s.turnID != "" && v != s.turnID {
		return fmt.Sprintf("payload turnId %q outside event scope %q", v, s.turnID), true
	}
	return "", false
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// reconciler enforces at-most-one-winner semantics across the action intents
// of a single emit pass. It is local to one Emit call; concurrent emits for
// different events reconcile independently.
type reconciler struct {
	d           *Dispatcher
	ev          Event
	scope       scope
	winnerTaken bool
}

func newReconciler(d *Dispatcher, ev Event) *reconciler {
	return &reconciler{d: d, ev: ev, scope: deriveScope(ev.Payload)}
}

// normalize maps one raw handler return onto the EmitResult union, executing
// action intents inline so result order matches invocation order.
func (r *reconciler) normalize(ctx context.Context, b Binding, v any) EmitResult {
	switch x := v.(type) {
	case nil:
		return handlerResult(b.Module, nil)
	case ActionRequest:
		return r.intent(ctx, b, &x)
	case *ActionRequest:
		if x == nil {
			return handlerResult(b.Module, nil)
		}
		return r.intent(ctx, b, x)
	case ActionResult:
		return r.passthrough(b, x)
	case *ActionResult:
		if x == nil {
			return handlerResult(b.Module, nil)
		}
		return r.passthrough(b, *x)
	case error:
		return handlerError(b.Module, x.Error())
	default:
		return handlerResult(b.Module, v)
	}
}

// passthrough admits a handler-settled result. A performed claim competes
// for the winner slot like an executed intent: once the slot is taken, a
// second claim is demoted so the pass never reports two winners.
func (r *reconciler) passthrough(b Binding, res ActionResult) EmitResult {
	if res.Status == StatusPerformed {
		if r.winnerTaken {
			res.Status = StatusConflict
			res.Details = "another action already performed in this pass"
		} else {
			r.winnerTaken = true
		}
	}
	return actionResult(b.Module, res)
}

func (r *reconciler) intent(ctx context.Context, b Binding, req *ActionRequest) EmitResult {
	if req.ActionType == ActionEnqueue {
		return r.enqueue(ctx, b, req)
	}
	return actionResult(b.Module, r.execute(ctx, b, req))
}

// execute runs one action intent through the guard sequence: trust, scope
// lock, winner check, replay check, then the injected backend. Only a
// backend verdict of performed closes the winner slot.
func (r *reconciler) execute(ctx context.Context, b Binding, req *ActionRequest) ActionResult {
	res := ActionResult{ActionType: req.ActionType, RequestID: req.RequestID}

	if b.EnforceTrust && !b.declares(req.ActionType) {
		res.Status = StatusForbidden
		res.Details = fmt.Sprintf("module %q did not declare action %q", b.Module, req.ActionType)
		return res
	}

	if scopeSensitive[req.ActionType] {
		if detail, bad := r.scope.disagrees(req.Payload); bad {
			res.Status = StatusForbidden
			res.Details = detail
			return res
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = DeriveIdempotencyKey(req.ActionType, req.Payload)
	}
	res.IdempotencyKey = key

	if r.winnerTaken {
		res.Status = StatusNotEligible
		res.Details = "another action already performed in this pass"
		return res
	}

	if r.d.ledger != nil {
		seen, err := r.d.ledger.Seen(ctx, key)
		if err != nil {
			res.Status = StatusFailed
			res.Details = fmt.Sprintf("idempotency ledger: %v", err)
			return res
		}
		if seen {
			res.Status = StatusAlreadyResolved
			res.Details = "idempotency key already performed"
			return res
		}
	}

	backend, ok := r.d.backends[req.ActionType]
	if !ok {
		res.Status = StatusInvalid
		res.Details = fmt.Sprintf("no backend registered for action %q", req.ActionType)
		return res
	}

	verdict := backend(ctx, req.Payload)
	res.Status = verdict.Status
	if verdict.Details != "" {
		res.Details = verdict.Details
	}

	if res.Status == StatusPerformed {
		r.winnerTaken = true
		if r.d.ledger != nil {
			if err := r.d.ledger.Record(ctx, key, req.ActionType); err != nil {
				r.d.logger.Error("failed to record idempotency key", "key", key, "error", err)
			}
		}
	}
	return res
}

// enqueue serves a queue.enqueue intent. Enqueue intents form their own
// outcome class: they are not blocked by an action winner, and the queue's
// dedupe makes duplicates safe.
func (r *reconciler) enqueue(ctx context.Context, b Binding, req *ActionRequest) EmitResult {
	if b.EnforceTrust && !b.declares(ActionEnqueue) {
		return actionResult(b.Module, ActionResult{
			ActionType: ActionEnqueue,
			Status:     StatusForbidden,
			RequestID:  req.RequestID,
			Details:    fmt.Sprintf("module %q did not declare action %q", b.Module, ActionEnqueue),
		})
	}

	if v := stringField(req.Payload, "projectId"); v != "" && r.scope.projectID != "" && v != r.scope.projectID {
		return actionResult(b.Module, ActionResult{
			ActionType: ActionEnqueue,
			Status:     StatusInvalid,
			RequestID:  req.RequestID,
			Details:    fmt.Sprintf("cross-project enqueue target %q outside event scope %q", v, r.scope.projectID),
		})
	}

	owner := stringField(req.Payload, "ownerId")
	if owner == "" {
		owner = r.scope.ownerID()
	}
	if owner == "" {
		return actionResult(b.Module, ActionResult{
			ActionType: ActionEnqueue,
			Status:     StatusInvalid,
			RequestID:  req.RequestID,
			Details:    "no owning project or session in intent or event scope",
		})
	}

	if r.d.queue == nil {
		return actionResult(b.Module, ActionResult{
			ActionType: ActionEnqueue,
			Status:     StatusFailed,
			RequestID:  req.RequestID,
			Details:    "no queue configured",
		})
	}

	var payload json.RawMessage
	if raw, ok := req.Payload["payload"]; ok && raw != nil {
		if b, err := json.Marshal(raw); err == nil {
			payload = b
		}
	}

	out, err := r.d.queue.Enqueue(ctx, queue.EnqueueRequest{
		Type:        stringField(req.Payload, "jobType"),
		OwnerID:     owner,
		DedupeKey:   stringField(req.Payload, "dedupeKey"),
		Payload:     payload,
		SubmittedBy: b.Module,
	})
	if err != nil {
		return actionResult(b.Module, ActionResult{
			ActionType: ActionEnqueue,
			Status:     StatusFailed,
			RequestID:  req.RequestID,
			Details:    err.Error(),
		})
	}
	return EmitResult{Kind: KindEnqueueResult, Module: b.Module, Enqueue: &out}
}
