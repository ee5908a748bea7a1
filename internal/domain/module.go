package domain

import "context"

// Module is the capability set every loaded module implements (spec §3,
// §4.4): {name, config-schema, dependencies, register-tools,
// migration-revisions, on-startup, on-shutdown, tool-metadata}. In-memory
// only — never persisted.
type Module interface {
	// Name is unique across the loaded set; duplicates are a fatal error.
	Name() string

	// Dependencies lists other module names that must start first.
	Dependencies() []string

	// ValidateConfig decodes and validates this module's opaque config
	// payload. A failure here marks the module (and its dependents)
	// failed/cascade_failed without aborting the daemon.
	ValidateConfig(cfg ModuleConfig) error

	// Migrations returns idempotent schema statements this module owns.
	Migrations() []string

	// Tools returns the tool definitions this module registers, each
	// namespaced by the module name.
	Tools() []ToolDefinition

	// SensitiveArgs names, per tool, the argument keys the approvals layer
	// must redact/gate. Tools not present in the map have none.
	SensitiveArgs() map[string][]string

	// DeclaredCredentials names the environment-variable credentials this
	// module needs resolved — via the credential store first, the process
	// environment as fallback — and passed through to spawned sessions
	// (spec §4.6 "the declared credentials of loaded modules").
	DeclaredCredentials() []string

	// OnStartup runs in topological order. deps is a borrowed reference
	// bundle valid only for the duration of this call and subsequent tool
	// calls/OnShutdown — it must never be retained as an owning reference.
	OnStartup(ctx context.Context, deps ModuleDeps) error

	// OnShutdown runs in reverse topological order.
	OnShutdown(ctx context.Context) error
}

// ModuleDeps is the borrowed-reference bundle passed to OnStartup (spec §9
// "cyclic/ownership concerns" — modules never store an owning reference back
// to the daemon).
type ModuleDeps struct {
	DB          ModuleDB
	Credentials CredentialResolver
	Config      ModuleConfig
}

// ModuleDB is the narrow slice of database access a module needs; modules
// never see the full daemon.
type ModuleDB interface {
	Exec(query string, args ...any) error
	Query(query string, args ...any) (Rows, error)
}

// Rows is a minimal row-cursor abstraction so domain stays free of
// database/sql.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// CredentialResolver resolves a declared credential name to its value,
// consulting the credential store first and the process environment as a
// fallback (spec §4.6).
type CredentialResolver interface {
	Resolve(name string) (string, bool)
}

// ToolCaller is implemented by modules that execute their own registered
// tools at runtime. It's separate from Module because the fixed core tool
// set (status, schedule, state, ...) is dispatched by the daemon directly,
// never through a module — only module-namespaced tool calls need this.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// ModuleStatus reflects per-module startup outcome (spec §4.4).
type ModuleStatus string

const (
	ModuleOK             ModuleStatus = "ok"
	ModuleFailed         ModuleStatus = "failed"
	ModuleCascadeFailed  ModuleStatus = "cascade_failed"
)
