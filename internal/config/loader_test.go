package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/butlerfleet/butlers/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "butler.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func TestLoad_MinimalValidConfig(t *testing.T) {
	path := writeConfig(t, `
[butler]
name = "concierge"
port = 40201
runtime_adapter = "mock"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Butler.Name != "concierge" {
		t.Errorf("Name = %q, want concierge", cfg.Butler.Name)
	}
	if cfg.Butler.Port != 40201 {
		t.Errorf("Port = %d, want 40201", cfg.Butler.Port)
	}
	// Unset fields fall back to domain.DefaultButlerConfig's values.
	if cfg.Butler.SchedulerTickEvery != "30s" {
		t.Errorf("SchedulerTickEvery = %q, want 30s default", cfg.Butler.SchedulerTickEvery)
	}
}

func TestLoad_ResolvesEnvVarReferences(t *testing.T) {
	t.Setenv("BUTLER_TEST_SWITCHBOARD_URL", "http://switchboard.internal:9000")
	path := writeConfig(t, `
[butler]
name = "concierge"
port = 40201
runtime_adapter = "mock"
switchboard_url = "${BUTLER_TEST_SWITCHBOARD_URL}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Butler.SwitchboardURL != "http://switchboard.internal:9000" {
		t.Errorf("SwitchboardURL = %q, want resolved env value", cfg.Butler.SwitchboardURL)
	}
}

func TestLoad_UnresolvedEnvVarIsFatal(t *testing.T) {
	os.Unsetenv("BUTLER_TEST_MISSING_VAR")
	path := writeConfig(t, `
[butler]
name = "concierge"
port = 40201
runtime_adapter = "mock"
switchboard_url = "${BUTLER_TEST_MISSING_VAR}"
`)

	_, err := Load(path)
	if !errors.Is(err, domain.ErrConfigMissingEnvVars) {
		t.Fatalf("Load() error = %v, want ErrConfigMissingEnvVars", err)
	}
}

func TestLoad_NoSuchFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error loading a nonexistent file")
	}
}

func TestValidate(t *testing.T) {
	base := func() domain.ButlerConfig {
		cfg := domain.DefaultButlerConfig()
		cfg.Butler.Name = "concierge"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		if err := Validate(base()); err != nil {
			t.Errorf("Validate() error: %v", err)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		cfg := base()
		cfg.Butler.Name = ""
		if err := Validate(cfg); !errors.Is(err, domain.ErrConfigMissingField) {
			t.Errorf("Validate() error = %v, want ErrConfigMissingField", err)
		}
	})

	t.Run("missing port", func(t *testing.T) {
		cfg := base()
		cfg.Butler.Port = 0
		if err := Validate(cfg); !errors.Is(err, domain.ErrConfigMissingField) {
			t.Errorf("Validate() error = %v, want ErrConfigMissingField", err)
		}
	})

	t.Run("unknown adapter", func(t *testing.T) {
		cfg := base()
		cfg.Butler.RuntimeAdapter = "bogus"
		if err := Validate(cfg); !errors.Is(err, domain.ErrConfigUnknownAdapter) {
			t.Errorf("Validate() error = %v, want ErrConfigUnknownAdapter", err)
		}
	})

	t.Run("shared database without schema", func(t *testing.T) {
		cfg := base()
		cfg.Butler.DatabasePath = "/var/lib/butlers/shared.db"
		if err := Validate(cfg); !errors.Is(err, domain.ErrConfigSchemaRequired) {
			t.Errorf("Validate() error = %v, want ErrConfigSchemaRequired", err)
		}
	})

	t.Run("shared database with schema is fine", func(t *testing.T) {
		cfg := base()
		cfg.Butler.DatabasePath = "/var/lib/butlers/shared.db"
		cfg.Butler.DatabaseSchema = "concierge"
		if err := Validate(cfg); err != nil {
			t.Errorf("Validate() error: %v", err)
		}
	})

	t.Run("invalid scheduler tick interval", func(t *testing.T) {
		cfg := base()
		cfg.Butler.SchedulerTickEvery = "not-a-duration"
		if err := Validate(cfg); !errors.Is(err, domain.ErrConfigInvalidInterval) {
			t.Errorf("Validate() error = %v, want ErrConfigInvalidInterval", err)
		}
	})
}

func TestButlerHome_HonorsEnvOverride(t *testing.T) {
	t.Setenv("BUTLER_HOME", "/tmp/custom-butler-home")
	if got := ButlerHome("concierge"); got != "/tmp/custom-butler-home" {
		t.Errorf("ButlerHome() = %q, want override", got)
	}
}

func TestButlerHome_DefaultsUnderUserHome(t *testing.T) {
	os.Unsetenv("BUTLER_HOME")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available in this environment")
	}
	want := filepath.Join(home, ".butlers", "concierge")
	if got := ButlerHome("concierge"); got != want {
		t.Errorf("ButlerHome() = %q, want %q", got, want)
	}
}
