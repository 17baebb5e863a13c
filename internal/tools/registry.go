package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/teleton/internal/store"
)

// MaxToolNameLength bounds registered tool names.
const MaxToolNameLength = 256

// Entry pairs a definition with its executor for bulk registration.
type Entry struct {
	Definition Definition
	Executor   Executor
}

type registered struct {
	def       Definition
	exec      Executor
	namespace string // non-empty for plugin tools
	execCfg   ExecConfig
}

// Registry is the static tool catalog. Definitions never change after load;
// runtime behaviour is shaped at dispatch time by ToolConfig and group-module
// overlays read from the store.
type Registry struct {
	store  *store.Store
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]*registered
}

// Option configures the registry.
type Option func(*Registry)

// WithLogger configures the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry builds an empty registry backed by s for overlay reads.
func NewRegistry(s *store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		logger: slog.Default().With("component", "tools"),
		tools:  make(map[string]*registered),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Name collisions are rejected unless the existing tool
// belongs to the same module, which covers hot reload.
func (r *Registry) Register(def Definition, exec Executor) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("tool %s: executor is required", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[def.Name]; ok && existing.def.Module != def.Module {
		return fmt.Errorf("tool %s already registered by module %s", def.Name, existing.def.Module)
	}
	r.tools[def.Name] = &registered{def: def, exec: exec}
	return nil
}

// SetExecConfig installs a per-tool execution override (timeout). Unknown
// tools are ignored.
func (r *Registry) SetExecConfig(name string, cfg ExecConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.tools[name]; ok {
		entry.execCfg = cfg
	}
}

// RegisterPluginTools bulk-registers entries under a namespace prefix so the
// whole plugin can be unloaded later. Tool names become "namespace.name".
func (r *Registry) RegisterPluginTools(namespace string, entries []Entry) error {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return fmt.Errorf("plugin namespace is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range entries {
		def := entry.Definition
		def.Name = namespace + "." + def.Name
		if def.Module == "" {
			def.Module = namespace
		}
		if err := validateDefinition(def); err != nil {
			return err
		}
		if entry.Executor == nil {
			return fmt.Errorf("tool %s: executor is required", def.Name)
		}
		if existing, ok := r.tools[def.Name]; ok && existing.namespace != namespace {
			return fmt.Errorf("tool %s already registered", def.Name)
		}
		r.tools[def.Name] = &registered{def: def, exec: entry.Executor, namespace: namespace}
	}
	r.logger.Info("plugin tools registered", "namespace", namespace, "count", len(entries))
	return nil
}

// UnregisterPlugin removes every tool registered under the namespace and
// returns their names for index cleanup.
func (r *Registry) UnregisterPlugin(namespace string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for name, entry := range r.tools {
		if entry.namespace == namespace {
			delete(r.tools, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return entry.def, true
}

// Definitions returns every registered definition sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, entry := range r.tools {
		defs = append(defs, entry.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// PluginNamespaces returns the distinct plugin namespaces with tools loaded.
func (r *Registry) PluginNamespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for _, entry := range r.tools {
		if entry.namespace != "" {
			seen[entry.namespace] = true
		}
	}
	namespaces := make([]string, 0, len(seen))
	for namespace := range seen {
		namespaces = append(namespaces, namespace)
	}
	sort.Strings(namespaces)
	return namespaces
}

// VisibleTools returns the definitions the caller may see after applying
// ToolConfig overrides and the chat's group-module levels. Visibility is a
// pure function of the static scope and the overlays.
func (r *Registry) VisibleTools(ctx context.Context, caller Caller) ([]Definition, error) {
	overrides := map[string]*store.ToolConfig{}
	moduleLevels := map[string]store.ModuleLevel{}
	if r.store != nil {
		var err error
		overrides, err = r.store.ToolConfigs(ctx)
		if err != nil {
			return nil, fmt.Errorf("load tool config: %w", err)
		}
		if caller.ChatID != "" {
			moduleLevels, err = r.store.GroupModuleLevels(ctx, caller.ChatID)
			if err != nil {
				return nil, fmt.Errorf("load group modules: %w", err)
			}
		}
	}

	var visible []Definition
	for _, def := range r.Definitions() {
		if r.admits(def, caller, overrides, moduleLevels) {
			visible = append(visible, def)
		}
	}
	return visible, nil
}

func (r *Registry) admits(def Definition, caller Caller, overrides map[string]*store.ToolConfig, moduleLevels map[string]store.ModuleLevel) bool {
	scope := def.Scope
	if cfg, ok := overrides[def.Name]; ok {
		if !cfg.Enabled {
			return false
		}
		if cfg.Scope != "" {
			scope = Scope(cfg.Scope)
		}
	}

	switch moduleLevels[def.Module] {
	case store.ModuleDisabled:
		return false
	case store.ModuleAdmin:
		if !caller.IsAdmin {
			return false
		}
	}

	return scopeAdmits(scope, caller)
}

func validateDefinition(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds %d characters", MaxToolNameLength)
	}
	switch def.Scope {
	case ScopeAlways, ScopeDMOnly, ScopeGroupOnly, ScopeAdminOnly:
	default:
		return fmt.Errorf("tool %s: unknown scope %q", name, def.Scope)
	}
	switch def.Category {
	case CategoryData, CategoryAction:
	default:
		return fmt.Errorf("tool %s: unknown category %q", name, def.Category)
	}
	return nil
}

// execConfigFor returns the effective execution config for a tool.
func (r *Registry) execConfigFor(name string) ExecConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := ExecConfig{}
	if entry, ok := r.tools[name]; ok {
		cfg = entry.execCfg
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultToolTimeout
	}
	return cfg
}

// executorFor returns the executor for name.
func (r *Registry) executorFor(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return entry.exec, true
}

// ExecConfig shapes one tool's execution.
type ExecConfig struct {
	Timeout time.Duration
}
