package cli

import (
	"github.com/butlerfleet/butlers/internal/config"
	"github.com/butlerfleet/butlers/internal/daemon"
	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/infra/sqlite"
)

// openAdminDB loads the config at --config and opens its database directly,
// for offline administrative subcommands that read or edit persisted state
// without going through a running daemon's HTTP/MCP surface.
func openAdminDB() (*sqlite.DB, domain.ButlerConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, domain.ButlerConfig{}, err
	}
	db, err := daemon.OpenDatabase(cfg)
	if err != nil {
		return nil, domain.ButlerConfig{}, err
	}
	return db, cfg, nil
}
