// Package config loads a butler's declarative TOML document, resolves
// ${VAR} environment references, and validates it against the adapter
// registry. Grounded on internal/daemon/config.go's TOML-decode idiom (see
// DESIGN.md); the recursive ${VAR} resolver is new code, since the teacher's
// own config has no such templating.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/butlerfleet/butlers/internal/domain"
)

var varRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// KnownAdapters is the registry of runtime-adapter selectors validated at
// config-load time (spec §4.1, §9 "unknown runtime name is a config error").
var KnownAdapters = map[string]bool{
	"claude-cli": true,
	"codex-cli":  true,
	"openai-sdk": true,
	"mock":       true,
}

// Load reads and validates the butler config at path. Raw TOML is decoded
// into a generic tree first so every string field — including nested
// sequences and module payload maps — can be scanned for ${VAR} references
// before being re-decoded into the typed ButlerConfig. Any unresolved
// reference produces a single startup error listing every missing name.
func Load(path string) (domain.ButlerConfig, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return domain.ButlerConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	missing := map[string]bool{}
	resolved := resolveTree(raw, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return domain.ButlerConfig{}, fmt.Errorf("%w: %s", domain.ErrConfigMissingEnvVars, strings.Join(names, ", "))
	}

	cfg := domain.DefaultButlerConfig()
	if err := remarshalInto(resolved, &cfg); err != nil {
		return domain.ButlerConfig{}, fmt.Errorf("decode resolved config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return domain.ButlerConfig{}, err
	}
	return cfg, nil
}

// Validate enforces the required-field and adapter-registry checks
// described in spec §4.1. Invalid configuration is always fatal.
func Validate(cfg domain.ButlerConfig) error {
	if cfg.Butler.Name == "" {
		return fmt.Errorf("%w: butler.name", domain.ErrConfigMissingField)
	}
	if cfg.Butler.Port == 0 {
		return fmt.Errorf("%w: butler.port", domain.ErrConfigMissingField)
	}
	if cfg.Butler.RuntimeAdapter == "" || !KnownAdapters[cfg.Butler.RuntimeAdapter] {
		return fmt.Errorf("%w: %q", domain.ErrConfigUnknownAdapter, cfg.Butler.RuntimeAdapter)
	}
	if cfg.Butler.DatabasePath != "" && strings.Contains(cfg.Butler.DatabasePath, "shared") && cfg.Butler.DatabaseSchema == "" {
		return domain.ErrConfigSchemaRequired
	}
	if cfg.Butler.SchedulerTickInterval(0) <= 0 {
		return fmt.Errorf("%w: scheduler_tick_interval", domain.ErrConfigInvalidInterval)
	}
	if cfg.Butler.HeartbeatInterval(0) <= 0 {
		return fmt.Errorf("%w: heartbeat_interval", domain.ErrConfigInvalidInterval)
	}
	return nil
}

// resolveTree walks maps, slices, and strings recursively, replacing every
// ${NAME} occurrence with os.LookupEnv(NAME). Names that fail to resolve are
// recorded into missing but the walk continues, so every missing name in
// the document is reported at once.
func resolveTree(v any, missing map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = resolveTree(val, missing)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = resolveTree(val, missing)
		}
		return out
	case string:
		return resolveString(t, missing)
	default:
		return v
	}
}

func resolveString(s string, missing map[string]bool) string {
	return varRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := varRefPattern.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing[name] = true
			return match
		}
		return val
	})
}

// remarshalInto re-encodes the resolved generic tree to TOML text and
// decodes it into dst. This keeps a single source of truth for the TOML
// struct tags in domain.ButlerConfig instead of hand-writing a second
// map-to-struct conversion.
func remarshalInto(resolved any, dst *domain.ButlerConfig) error {
	m, ok := resolved.(map[string]any)
	if !ok {
		return fmt.Errorf("config root is not a table")
	}
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(m); err != nil {
		return err
	}
	_, err := toml.Decode(sb.String(), dst)
	return err
}

// ButlerHome returns the data directory for a butler, honoring BUTLER_HOME
// and falling back to ~/.butlers/<name>, mirroring the teacher's tutuHome()
// env-resolution convention.
func ButlerHome(name string) string {
	if env := os.Getenv("BUTLER_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".butlers", name)
}
