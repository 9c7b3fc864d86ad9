package extension

import (
	"time"

	"github.com/mattjoyce/agent-runtime/internal/runtime"
)

// Snapshot is one immutable generation of loaded modules and their bindings.
// Dispatchers read the active snapshot through Loader.BindingsFor; in-flight
// event passes keep whatever generation they started with.
type Snapshot struct {
	modules     []*Module
	bindings    map[string][]runtime.Binding
	diagnostics []Diagnostic
	builtAt     time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{bindings: map[string][]runtime.Binding{}, builtAt: time.Now().UTC()}
}

// BindingsFor returns the ordered handler bindings for an event type.
func (s *Snapshot) BindingsFor(eventType string) []runtime.Binding {
	return s.bindings[eventType]
}

// Modules lists the loaded modules in load order.
func (s *Snapshot) Modules() []*Module {
	return s.modules
}

// Diagnostics lists per-module rejection reasons recorded while building
// this snapshot.
func (s *Snapshot) Diagnostics() []Diagnostic {
	return s.diagnostics
}

// BuiltAt reports when this generation was assembled.
func (s *Snapshot) BuiltAt() time.Time {
	return s.builtAt
}

// ModuleInfo is the serializable inventory view of a loaded module.
type ModuleInfo struct {
	Name          string        `json:"name"`
	Version       string        `json:"version"`
	AgentID       string        `json:"agent_id"`
	DisplayName   string        `json:"display_name,omitempty"`
	Origin        OriginType    `json:"origin"`
	Path          string        `json:"path"`
	Compatible    bool          `json:"compatible"`
	CompatIssues  []string      `json:"compat_issues,omitempty"`
	Trust         TrustDecision `json:"trust"`
	Events        []string      `json:"events,omitempty"`
	Actions       []string      `json:"actions,omitempty"`
	HandlerCount  int           `json:"handler_count"`
}

// Inventory returns the snapshot's modules in serializable form.
func (s *Snapshot) Inventory() []ModuleInfo {
	out := make([]ModuleInfo, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, ModuleInfo{
			Name:         m.Name,
			Version:      m.Version,
			AgentID:      m.AgentID,
			DisplayName:  m.DisplayName,
			Origin:       m.Origin,
			Path:         m.Path,
			Compatible:   m.Compatibility.Compatible,
			CompatIssues: m.Compatibility.Failures,
			Trust:        m.Trust,
			Events:       m.Capabilities.Events,
			Actions:      m.Capabilities.Actions,
			HandlerCount: m.HandlerCount,
		})
	}
	return out
}
