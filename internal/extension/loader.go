package extension

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/agent-runtime/internal/compat"
	"github.com/mattjoyce/agent-runtime/internal/log"
	"github.com/mattjoyce/agent-runtime/internal/runtime"
)

// ErrReloadInProgress is returned when a reload is requested while another
// one is still building its snapshot.
var ErrReloadInProgress = errors.New("reload already in progress")

// Config controls discovery roots and gating policy.
type Config struct {
	// Roots in precedence order: repo-local beats installed packages,
	// which beat operator-configured roots.
	RepoLocalRoots  []string
	InstalledRoots  []string
	ConfiguredRoots []string

	Trust       TrustMode
	CoreVersion string            // defaults to runtime.CoreAPIVersion
	Profiles    map[string]string // advertised capability profile versions
}

// ReloadReport summarizes one load or reload attempt.
type ReloadReport struct {
	Loaded      []string     `json:"loaded"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	BuiltAt     time.Time    `json:"built_at"`
}

// Loader owns the active snapshot. Load and Reload build a complete new
// generation and swap it in atomically; readers never observe a partial mix
// of old and new modules.
type Loader struct {
	cfg    Config
	logger *slog.Logger

	reloadMu sync.Mutex
	active   atomic.Pointer[Snapshot]
}

func NewLoader(cfg Config) *Loader {
	if cfg.Trust == "" {
		cfg.Trust = TrustWarn
	}
	if cfg.CoreVersion == "" {
		cfg.CoreVersion = runtime.CoreAPIVersion
	}
	l := &Loader{cfg: cfg, logger: log.WithComponent("extension")}
	l.active.Store(emptySnapshot())
	return l
}

// Active returns the current snapshot. Never nil.
func (l *Loader) Active() *Snapshot {
	return l.active.Load()
}

// BindingsFor implements runtime.Source against the active snapshot.
func (l *Loader) BindingsFor(eventType string) []runtime.Binding {
	return l.Active().BindingsFor(eventType)
}

// Load performs the initial discovery pass. Modules that fail validation,
// compatibility, or entrypoint lookup are dropped with a diagnostic; the
// remaining modules still become the active snapshot.
func (l *Loader) Load() (*ReloadReport, error) {
	if !l.reloadMu.TryLock() {
		return nil, ErrReloadInProgress
	}
	defer l.reloadMu.Unlock()

	snap := l.build()
	l.active.Store(snap)
	report := reportFor(snap)
	l.logger.Info("extensions loaded",
		"modules", len(snap.modules),
		"diagnostics", len(snap.diagnostics))
	return report, nil
}

// Reload rebuilds the snapshot with strict gating: if any discovered module
// is rejected, the swap is aborted and the previous snapshot stays active.
func (l *Loader) Reload() (*ReloadReport, error) {
	if !l.reloadMu.TryLock() {
		return nil, ErrReloadInProgress
	}
	defer l.reloadMu.Unlock()

	snap := l.build()
	report := reportFor(snap)
	if len(snap.diagnostics) > 0 {
		l.logger.Warn("reload rejected, previous snapshot retained",
			"diagnostics", len(snap.diagnostics))
		return report, fmt.Errorf("reload rejected: %d module diagnostic(s)", len(snap.diagnostics))
	}
	l.active.Store(snap)
	l.logger.Info("extensions reloaded", "modules", len(snap.modules))
	return report, nil
}

func reportFor(snap *Snapshot) *ReloadReport {
	loaded := make([]string, 0, len(snap.modules))
	for _, m := range snap.modules {
		loaded = append(loaded, m.Name)
	}
	return &ReloadReport{Loaded: loaded, Diagnostics: snap.diagnostics, BuiltAt: snap.builtAt}
}

type candidate struct {
	dir    string
	origin OriginType
}

// discover walks the configured roots in precedence order. A directory that
// appears under multiple roots keeps its highest-precedence origin.
func (l *Loader) discover() []candidate {
	seen := make(map[string]bool)
	var out []candidate
	scan := func(roots []string, origin OriginType) {
		for _, root := range roots {
			entries, err := os.ReadDir(root)
			if err != nil {
				if !os.IsNotExist(err) {
					l.logger.Warn("extension root unreadable", "root", root, "error", err)
				}
				continue
			}
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				dir := filepath.Join(root, e.Name())
				if _, err := os.Stat(filepath.Join(dir, manifestFilename)); err != nil {
					continue
				}
				key := dir
				if abs, err := filepath.Abs(dir); err == nil {
					key = abs
				}
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, candidate{dir: dir, origin: origin})
			}
		}
	}
	scan(l.cfg.RepoLocalRoots, OriginRepoLocal)
	scan(l.cfg.InstalledRoots, OriginInstalledPackage)
	scan(l.cfg.ConfiguredRoots, OriginConfiguredRoot)
	return out
}

func (l *Loader) build() *Snapshot {
	snap := emptySnapshot()
	byAgent := make(map[string]string) // agent_id -> module name, first claim wins

	for _, c := range l.discover() {
		manifestPath := filepath.Join(c.dir, manifestFilename)
		m, err := readManifest(manifestPath)
		if err != nil {
			snap.diagnostics = append(snap.diagnostics, Diagnostic{
				Path: manifestPath, Reason: err.Error(),
			})
			continue
		}
		if prior, taken := byAgent[m.AgentID]; taken {
			snap.diagnostics = append(snap.diagnostics, Diagnostic{
				Module: m.Name, AgentID: m.AgentID, Path: manifestPath,
				Reason: fmt.Sprintf("agent_id already claimed by module %q", prior),
			})
			continue
		}

		mod := &Module{
			Name:         m.Name,
			Version:      m.Version,
			AgentID:      m.AgentID,
			DisplayName:  m.DisplayName,
			Origin:       c.origin,
			Path:         c.dir,
			Capabilities: m.Capabilities,
		}

		mod.Compatibility = compat.Evaluate(m.Compatibility, l.cfg.CoreVersion, l.cfg.Profiles)
		if !mod.Compatibility.Compatible {
			snap.diagnostics = append(snap.diagnostics, Diagnostic{
				Module: m.Name, AgentID: m.AgentID, Path: manifestPath,
				Reason: "incompatible: " + joinReasons(mod.Compatibility.Failures),
			})
			continue
		}

		fn, ok := lookupEntrypoint(m.AgentID)
		if !ok {
			snap.diagnostics = append(snap.diagnostics, Diagnostic{
				Module: m.Name, AgentID: m.AgentID, Path: manifestPath,
				Reason: fmt.Sprintf("no entrypoint registered for agent_id %q", m.AgentID),
			})
			continue
		}

		reg := &Registry{module: m}
		if err := fn(reg); err != nil {
			snap.diagnostics = append(snap.diagnostics, Diagnostic{
				Module: m.Name, AgentID: m.AgentID, Path: manifestPath,
				Reason: fmt.Sprintf("entrypoint failed: %v", err),
			})
			continue
		}

		bindings := l.applyTrust(mod, reg.bindings)
		mod.HandlerCount = len(bindings)
		byAgent[m.AgentID] = m.Name
		snap.modules = append(snap.modules, mod)
		for _, b := range bindings {
			snap.bindings[b.EventType] = append(snap.bindings[b.EventType], b)
		}
	}

	for _, bs := range snap.bindings {
		runtime.SortBindings(bs)
	}
	return snap
}

// applyTrust evaluates declared capabilities against the bindings an
// entrypoint actually registered. In enforced mode a subscription to an
// undeclared event denies the whole module; in warn mode it loads flagged.
func (l *Loader) applyTrust(mod *Module, bindings []runtime.Binding) []runtime.Binding {
	mod.Trust = TrustDecision{Mode: l.cfg.Trust}
	if l.cfg.Trust == TrustDisabled {
		return bindings
	}

	declared := make(map[string]bool, len(mod.Capabilities.Events))
	for _, ev := range mod.Capabilities.Events {
		declared[ev] = true
	}
	var undeclared []string
	for _, b := range bindings {
		if !declared[b.EventType] {
			undeclared = append(undeclared, b.EventType)
		}
	}
	sort.Strings(undeclared)

	if len(undeclared) > 0 {
		mod.Trust.Flagged = true
		for _, ev := range undeclared {
			mod.Trust.Notes = append(mod.Trust.Notes,
				fmt.Sprintf("subscribed to undeclared event %q", ev))
		}
		if l.cfg.Trust == TrustEnforced {
			kept := bindings[:0:0]
			for _, b := range bindings {
				if declared[b.EventType] {
					kept = append(kept, b)
				}
			}
			l.logger.Warn("trust enforced, undeclared subscriptions denied",
				"module", mod.Name, "denied", len(bindings)-len(kept))
			bindings = kept
		} else {
			l.logger.Warn("module subscribed to undeclared events",
				"module", mod.Name, "events", undeclared)
		}
	}

	if l.cfg.Trust == TrustEnforced {
		for i := range bindings {
			bindings[i].EnforceTrust = true
		}
	}
	return bindings
}

func joinReasons(rs []string) string {
	if len(rs) == 0 {
		return "unspecified"
	}
	out := rs[0]
	for _, r := range rs[1:] {
		out += "; " + r
	}
	return out
}
