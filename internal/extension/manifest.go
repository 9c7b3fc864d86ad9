// Package extension discovers automation modules from ordered source roots,
// validates their manifests, applies compatibility and trust policy, and
// publishes an immutable runtime snapshot of handler bindings.
package extension

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/agent-runtime/internal/compat"
)

const manifestFilename = "extension.yaml"

// OriginType records which source-root category a module was discovered in.
type OriginType string

const (
	OriginRepoLocal        OriginType = "repo_local"
	OriginInstalledPackage OriginType = "installed_package"
	OriginConfiguredRoot   OriginType = "configured_root"
)

// TrustMode selects how strictly declared capabilities are enforced.
type TrustMode string

const (
	TrustDisabled TrustMode = "disabled"
	TrustWarn     TrustMode = "warn"
	TrustEnforced TrustMode = "enforced"
)

// Capabilities declares the event subscriptions and action types a module
// intends to use.
type Capabilities struct {
	Events  []string `yaml:"events,omitempty"`
	Actions []string `yaml:"actions,omitempty"`
}

// Manifest is the extension.yaml file shape. Unknown fields are ignored, not
// rejected.
type Manifest struct {
	Name          string            `yaml:"name"`
	Version       string            `yaml:"version"`
	AgentID       string            `yaml:"agent_id"`
	DisplayName   string            `yaml:"display_name,omitempty"`
	Description   string            `yaml:"description,omitempty"`
	Capabilities  Capabilities      `yaml:"capabilities,omitempty"`
	Compatibility compat.Descriptor `yaml:"compatibility,omitempty"`
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest YAML: %w", err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("version is required")
	}
	if strings.TrimSpace(m.AgentID) == "" {
		return fmt.Errorf("agent_id is required")
	}
	return nil
}

// TrustDecision is the evaluated trust outcome attached to a loaded module.
type TrustDecision struct {
	Mode    TrustMode `json:"mode"`
	Flagged bool      `json:"flagged"`
	Notes   []string  `json:"notes,omitempty"`
}

// Module is one loaded extension. Constructed at load time and replaced
// wholesale on reload; never mutated in place.
type Module struct {
	Name          string
	Version       string
	AgentID       string
	DisplayName   string
	Origin        OriginType
	Path          string
	Capabilities  Capabilities
	Compatibility compat.Result
	Trust         TrustDecision
	HandlerCount  int
}

// Diagnostic is a structured load/reload rejection reason.
type Diagnostic struct {
	Module  string `json:"module,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Path    string `json:"path"`
	Reason  string `json:"reason"`
}
