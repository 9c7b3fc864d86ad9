package runtime

import (
	"context"
	"sort"
	"time"
)

// DefaultHandlerTimeout bounds a handler invocation when the binding does not
// declare its own timeout.
const DefaultHandlerTimeout = 10 * time.Second

// Handler is an extension-registered function bound to an event type. The
// returned value is normalized by the dispatcher: an ActionRequest declares
// intent, an ActionResult passes through, anything else becomes a diagnostic
// handler_result.
type Handler func(ctx context.Context, ev Event, tools *Tools) (any, error)

// Binding ties a handler to an event type with its ordering key and trust
// metadata.
type Binding struct {
	Module            string
	AgentID           string
	EventType         string
	Priority          int
	RegistrationIndex int
	Timeout           time.Duration
	Handler           Handler

	// DeclaredActions lists the action types the module's manifest declares.
	// Under enforced trust, intents outside this set are rejected.
	DeclaredActions []string
	EnforceTrust    bool
}

func (b Binding) declares(actionType string) bool {
	for _, a := range b.DeclaredActions {
		if a == actionType {
			return true
		}
	}
	return false
}

// SortBindings orders bindings by (priority asc, module asc, registration
// index asc) in place. This is the single ordering rule: emit invokes in
// exactly this order.
func SortBindings(bindings []Binding) {
	sort.SliceStable(bindings, func(i, j int) bool {
		a, b := bindings[i], bindings[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Module != b.Module {
			return a.Module < b.Module
		}
		return a.RegistrationIndex < b.RegistrationIndex
	})
}
