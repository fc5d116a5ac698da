package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.yaml")
	content := []byte(`
server:
  address: ":9090"
storage:
  driver: sqlite
orchestrator:
  max_retries: 5
registry:
  roster_path: roster.yaml
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Orchestrator.MaxRetries != 5 {
		t.Fatalf("expected max_retries 5, got %d", cfg.Orchestrator.MaxRetries)
	}
	if cfg.Orchestrator.MaxWorkers != 4 {
		t.Fatalf("expected default max_workers 4, got %d", cfg.Orchestrator.MaxWorkers)
	}
	if cfg.Orchestrator.ValidationPolicy != "fail_open" {
		t.Fatalf("expected fail_open policy, got %s", cfg.Orchestrator.ValidationPolicy)
	}
	if cfg.Registry.RosterPath != filepath.Join(dir, "roster.yaml") {
		t.Fatalf("roster path not resolved: %s", cfg.Registry.RosterPath)
	}
	if cfg.Storage.DSN == "" {
		t.Fatalf("expected sqlite dsn default")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.json")
	if err := os.WriteFile(path, []byte(`{"llm":{"provider":"anthropic"},"auth":{"mode":"jwt"}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.Auth.Mode != "jwt" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Orchestrator.ValidationPolicy = "maybe"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateRequiresMySQLDSN(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Storage.Driver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestResolveSecretPrefersExplicitValue(t *testing.T) {
	t.Setenv("NEXUS_TEST_SECRET", "from-env")
	if got := ResolveSecret("explicit", "NEXUS_TEST_SECRET"); got != "explicit" {
		t.Fatalf("expected explicit value, got %s", got)
	}
	if got := ResolveSecret("", "NEXUS_TEST_SECRET"); got != "from-env" {
		t.Fatalf("expected env value, got %s", got)
	}
}
