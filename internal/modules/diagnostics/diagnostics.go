// Package diagnostics is a minimal zero-dependency domain.Module: one tool,
// one migration, no external deps (SUPPLEMENTED FEATURES: a demonstration
// module exercising the module registry's topological sort and lifecycle
// isolation end to end without pulling in any out-of-scope domain module).
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
)

// Module implements domain.Module and domain.ToolCaller.
type Module struct {
	db       domain.ModuleDB
	startedAt time.Time
}

// New constructs an unstarted diagnostics module.
func New() *Module {
	return &Module{}
}

func (m *Module) Name() string { return "diagnostics" }

func (m *Module) Dependencies() []string { return nil }

func (m *Module) ValidateConfig(cfg domain.ModuleConfig) error { return nil }

func (m *Module) Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS diagnostics_pings (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			message  TEXT NOT NULL,
			pinged_at INTEGER NOT NULL
		)`,
	}
}

func (m *Module) Tools() []domain.ToolDefinition {
	return []domain.ToolDefinition{
		{
			Name:        "echo",
			Description: "Echoes the given message back, recording a ping row for liveness demonstration.",
			InputSchema: domain.ToolInputSchema{
				Type: "object",
				Properties: map[string]domain.SchemaProperty{
					"message": {Type: "string", Description: "text to echo back"},
				},
				Required: []string{"message"},
			},
		},
	}
}

func (m *Module) SensitiveArgs() map[string][]string { return nil }

func (m *Module) DeclaredCredentials() []string { return nil }

func (m *Module) OnStartup(ctx context.Context, deps domain.ModuleDeps) error {
	m.db = deps.DB
	m.startedAt = time.Now().UTC()
	return nil
}

func (m *Module) OnShutdown(ctx context.Context) error { return nil }

// CallTool implements domain.ToolCaller.
func (m *Module) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "echo":
		message, _ := args["message"].(string)
		if err := m.db.Exec(
			`INSERT INTO diagnostics_pings (message, pinged_at) VALUES (?, ?)`,
			message, time.Now().UTC().Unix(),
		); err != nil {
			return nil, err
		}
		return map[string]any{"echo": message, "started_at": m.startedAt.Format(time.RFC3339)}, nil
	default:
		return nil, fmt.Errorf("diagnostics: unknown tool %q", name)
	}
}

var _ domain.Module = (*Module)(nil)
var _ domain.ToolCaller = (*Module)(nil)
