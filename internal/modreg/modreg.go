// Package modreg loads, orders, and lifecycle-manages domain modules (spec
// §3 Module, §4.4). Startup order is a topological sort over declared
// dependencies; no example repo in the retrieval pack implements graph
// ordering, so this is hand-rolled stdlib code (Kahn's algorithm with a
// lexicographic tie-break for determinism), in keeping with the teacher's
// own preference for small hand-rolled data-structure code over a graph
// library for this kind of thing.
package modreg

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/butlerfleet/butlers/internal/domain"
)

// channelEgressPattern matches the reserved tool-name shape that marks a
// tool as channel egress (spec §4.4 "channel egress ownership"): only a
// module whose config declares is_messenger may register one of these.
var channelEgressPattern = regexp.MustCompile(`^[a-z0-9_]+_(send_message|reply_to_message|send_email|reply_to_thread)$`)

// Outcome records one module's startup result (spec §4.4 ModuleStatus).
type Outcome struct {
	Name   string
	Status domain.ModuleStatus
	Err    error
}

// Registry orders, validates, and runs the lifecycle of the loaded module
// set.
type Registry struct {
	modules map[string]domain.Module
	order   []string // topological order, computed by Load
	started []string // names that completed OnStartup, for reverse shutdown

	mu        sync.RWMutex
	statuses  map[string]Outcome
	disabled  map[string]bool
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{modules: map[string]domain.Module{}}
}

// Register adds a module. Duplicate names are rejected at Load time, not
// here, so callers can register from multiple sources before validating.
func (r *Registry) Register(m domain.Module) error {
	if _, exists := r.modules[m.Name()]; exists {
		return fmt.Errorf("%w: %s", domain.ErrModuleDuplicateName, m.Name())
	}
	r.modules[m.Name()] = m
	return nil
}

// Load computes the topological order. Call once, after every module is
// registered and before Startup.
func (r *Registry) Load() error {
	order, err := topoSort(r.modules)
	if err != nil {
		return err
	}
	r.order = order
	return nil
}

// topoSort implements Kahn's algorithm: repeatedly remove a zero-in-degree
// node, breaking ties lexicographically by name for a deterministic order
// across runs. A non-empty remainder after all zero-in-degree nodes are
// exhausted indicates a cycle.
func topoSort(modules map[string]domain.Module) ([]string, error) {
	inDegree := make(map[string]int, len(modules))
	dependents := make(map[string][]string, len(modules))

	for name, m := range modules {
		if _, ok := inDegree[name]; !ok {
			inDegree[name] = 0
		}
		for _, dep := range m.Dependencies() {
			if _, ok := modules[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", domain.ErrModuleDependencyMissing, name, dep)
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dep := range dependents[next] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(modules) {
		return nil, domain.ErrModuleDependencyCycle
	}
	return order, nil
}

// Startup runs OnStartup for every module in topological order. A module
// whose ValidateConfig or OnStartup fails is marked failed; every module
// that (transitively) depends on it is marked cascade_failed and skipped,
// without aborting the daemon (spec §4.4).
func (r *Registry) Startup(ctx context.Context, configs map[string]domain.ModuleConfig, db domain.ModuleDB, creds domain.CredentialResolver) ([]Outcome, error) {
	var outcomes []Outcome
	failed := map[string]bool{}

	for _, name := range r.order {
		m := r.modules[name]

		var cascaded bool
		for _, dep := range m.Dependencies() {
			if failed[dep] {
				cascaded = true
				break
			}
		}
		if cascaded {
			failed[name] = true
			outcomes = append(outcomes, Outcome{Name: name, Status: domain.ModuleCascadeFailed})
			continue
		}

		cfg := configs[name]
		if err := m.ValidateConfig(cfg); err != nil {
			failed[name] = true
			outcomes = append(outcomes, Outcome{Name: name, Status: domain.ModuleFailed, Err: fmt.Errorf("%w: %v", domain.ErrModuleConfigInvalid, err)})
			continue
		}

		if err := checkEgressOwnership(m, cfg); err != nil {
			failed[name] = true
			outcomes = append(outcomes, Outcome{Name: name, Status: domain.ModuleFailed, Err: err})
			continue
		}

		if err := checkModuleCredentials(m, creds); err != nil {
			failed[name] = true
			outcomes = append(outcomes, Outcome{Name: name, Status: domain.ModuleFailed, Err: err})
			continue
		}

		deps := domain.ModuleDeps{DB: db, Credentials: creds, Config: cfg}
		if err := m.OnStartup(ctx, deps); err != nil {
			failed[name] = true
			outcomes = append(outcomes, Outcome{Name: name, Status: domain.ModuleFailed, Err: err})
			continue
		}

		r.started = append(r.started, name)
		outcomes = append(outcomes, Outcome{Name: name, Status: domain.ModuleOK})
	}

	r.mu.Lock()
	r.statuses = make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		r.statuses[o.Name] = o
	}
	r.mu.Unlock()

	return outcomes, nil
}

// Statuses returns each module's most recent startup outcome, keyed by
// name. Populated once Startup has run.
func (r *Registry) Statuses() map[string]Outcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Outcome, len(r.statuses))
	for k, v := range r.statuses {
		out[k] = v
	}
	return out
}

// Enabled reports whether name's tools may currently be invoked. A module
// that started successfully is enabled by default; SetEnabled can turn it
// off at runtime without re-running lifecycle hooks (spec §4.7 "module
// set-enabled" — an operator kill switch, not a restart).
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.disabled != nil && r.disabled[name] {
		return false
	}
	status, ok := r.statuses[name]
	if !ok {
		return false
	}
	return status.Status == domain.ModuleOK
}

// SetEnabled toggles whether a started module's tools accept calls. It does
// not re-run OnStartup/OnShutdown; a module that failed to start cannot be
// enabled this way.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrModuleNotFound, name)
	}
	if enabled && status.Status != domain.ModuleOK {
		return fmt.Errorf("%w: %s did not start successfully", domain.ErrModuleNotFound, name)
	}
	if r.disabled == nil {
		r.disabled = map[string]bool{}
	}
	r.disabled[name] = !enabled
	return nil
}

// checkModuleCredentials verifies every credential name a module declares
// resolves through creds, isolating the module (not the daemon) on
// failure (spec §4.10 step 9: "validate module credentials (non-fatal per
// module)").
func checkModuleCredentials(m domain.Module, creds domain.CredentialResolver) error {
	declared := m.DeclaredCredentials()
	if len(declared) == 0 {
		return nil
	}
	for _, name := range declared {
		if _, ok := creds.Resolve(name); !ok {
			return fmt.Errorf("%w: %s requires %s", domain.ErrModuleCredentialMissing, m.Name(), name)
		}
	}
	return nil
}

// checkEgressOwnership enforces that a channel-egress tool (matching
// channelEgressPattern) is only registered by a module whose config marks
// it is_messenger = true (spec §4.4).
func checkEgressOwnership(m domain.Module, cfg domain.ModuleConfig) error {
	isMessenger, _ := cfg["is_messenger"].(bool)
	for _, tool := range m.Tools() {
		if channelEgressPattern.MatchString(tool.Name) && !isMessenger {
			return fmt.Errorf("%w: %s registers %s", domain.ErrChannelEgressOwnership, m.Name(), tool.Name)
		}
	}
	return nil
}

// Shutdown runs OnShutdown in reverse startup order, for modules that
// completed OnStartup only (spec §4.4, §4.10).
func (r *Registry) Shutdown(ctx context.Context) []Outcome {
	var outcomes []Outcome
	for i := len(r.started) - 1; i >= 0; i-- {
		name := r.started[i]
		err := r.modules[name].OnShutdown(ctx)
		status := domain.ModuleOK
		if err != nil {
			status = domain.ModuleFailed
		}
		outcomes = append(outcomes, Outcome{Name: name, Status: status, Err: err})
	}
	return outcomes
}

// Migrations collects every loaded module's schema statements, in
// topological order, for the orchestrator to execute before Startup.
func (r *Registry) Migrations() []string {
	var all []string
	for _, name := range r.order {
		all = append(all, r.modules[name].Migrations()...)
	}
	return all
}

// Tools collects every loaded module's tool definitions, prefixed with the
// module name (spec §4.4 "tools are namespaced by the owning module"). A
// collision between two modules' fully-qualified tool names is fatal.
func (r *Registry) Tools() (map[string]domain.ToolDefinition, error) {
	out := map[string]domain.ToolDefinition{}
	for _, name := range r.order {
		for _, t := range r.modules[name].Tools() {
			qualified := name + "." + t.Name
			if _, exists := out[qualified]; exists {
				return nil, fmt.Errorf("duplicate tool name: %s", qualified)
			}
			out[qualified] = t
		}
	}
	return out, nil
}

// DeclaredCredentials collects every loaded module's declared credential
// names, deduplicated, in topological order (spec §4.6 "the declared
// credentials of loaded modules" — passed through to spawned sessions
// alongside the butler's own required/optional env).
func (r *Registry) DeclaredCredentials() []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range r.order {
		for _, cred := range r.modules[name].DeclaredCredentials() {
			if !seen[cred] {
				seen[cred] = true
				out = append(out, cred)
			}
		}
	}
	return out
}

// Get returns a registered module by name.
func (r *Registry) Get(name string) (domain.Module, bool) {
	m, ok := r.modules[name]
	return m, ok
}

// Order returns the computed topological order.
func (r *Registry) Order() []string {
	return append([]string(nil), r.order...)
}
