package extension

import (
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/agent-runtime/internal/runtime"
)

// Entrypoint is a module's setup function. The loader calls it with a fresh
// Registry; a manifest whose agent_id has no registered entrypoint is
// dropped at load time.
type Entrypoint func(reg *Registry) error

var (
	entrypointsMu sync.RWMutex
	entrypoints   = make(map[string]Entrypoint)
)

// RegisterEntrypoint binds a setup function to an agent id. It is typically
// called from an extension package's init func. Duplicate registration
// panics, like database/sql driver registration.
func RegisterEntrypoint(agentID string, fn Entrypoint) {
	entrypointsMu.Lock()
	defer entrypointsMu.Unlock()
	if fn == nil {
		panic("extension: RegisterEntrypoint with nil entrypoint")
	}
	if _, dup := entrypoints[agentID]; dup {
		panic(fmt.Sprintf("extension: RegisterEntrypoint called twice for %q", agentID))
	}
	entrypoints[agentID] = fn
}

func lookupEntrypoint(agentID string) (Entrypoint, bool) {
	entrypointsMu.RLock()
	defer entrypointsMu.RUnlock()
	fn, ok := entrypoints[agentID]
	return fn, ok
}

// resetEntrypoints clears the table. Test use only.
func resetEntrypoints() {
	entrypointsMu.Lock()
	defer entrypointsMu.Unlock()
	entrypoints = make(map[string]Entrypoint)
}

const defaultPriority = 100

// BindOpt customizes one handler binding.
type BindOpt func(*runtime.Binding)

// WithPriority sets the binding priority (lower runs earlier, default 100).
func WithPriority(p int) BindOpt {
	return func(b *runtime.Binding) { b.Priority = p }
}

// WithTimeout bounds the handler invocation.
func WithTimeout(d time.Duration) BindOpt {
	return func(b *runtime.Binding) { b.Timeout = d }
}

// Registry collects the handler bindings one entrypoint registers. Ordering
// of On calls is preserved through the registration index.
type Registry struct {
	module    *Manifest
	bindings  []runtime.Binding
	nextIndex int
}

// On subscribes a handler to an event type.
func (r *Registry) On(eventType string, h runtime.Handler, opts ...BindOpt) {
	b := runtime.Binding{
		Module:            r.module.Name,
		AgentID:           r.module.AgentID,
		EventType:         eventType,
		Priority:          defaultPriority,
		RegistrationIndex: r.nextIndex,
		Handler:           h,
		DeclaredActions:   r.module.Capabilities.Actions,
	}
	for _, opt := range opts {
		opt(&b)
	}
	r.nextIndex++
	r.bindings = append(r.bindings, b)
}
