package config

import (
	"os"
	"path/filepath"
	"testing"
)

func loadFromHome(t *testing.T, yaml string) Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MISSIOND_HOME", home)
	if yaml != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config.yaml: %v", err)
		}
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadFromHome(t, "")
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(cfg.HomeDir, "missiond.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Routine.TickIntervalSeconds != 60 {
		t.Errorf("tick interval = %d, want 60", cfg.Routine.TickIntervalSeconds)
	}
	if cfg.Approval.DefaultTTLSeconds != 0 {
		t.Errorf("approval ttl = %d, want 0 (never expires)", cfg.Approval.DefaultTTLSeconds)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	cfg := loadFromHome(t, `
log_level: debug
db_path: /tmp/alt.db
routine:
  tick_interval_seconds: 5
  allowed_integrations: [slack]
telemetry:
  otel_enabled: true
`)
	if cfg.LogLevel != "debug" || cfg.DBPath != "/tmp/alt.db" {
		t.Errorf("top-level fields wrong: %+v", cfg)
	}
	if cfg.Routine.TickIntervalSeconds != 5 {
		t.Errorf("tick interval = %d, want 5", cfg.Routine.TickIntervalSeconds)
	}
	if len(cfg.Routine.AllowedIntegrations) != 1 || cfg.Routine.AllowedIntegrations[0] != "slack" {
		t.Errorf("allowed integrations = %v", cfg.Routine.AllowedIntegrations)
	}
	if !cfg.Telemetry.OTELEnabled {
		t.Error("otel_enabled not parsed")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MISSIOND_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("malformed config.yaml accepted")
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	t.Setenv("MISSIOND_LOG_LEVEL", "warn")
	t.Setenv("MISSIOND_DB_PATH", "/tmp/env.db")
	t.Setenv("MISSIOND_ROUTINE_TICK_SECONDS", "7")
	cfg := loadFromHome(t, "log_level: debug\ndb_path: /tmp/file.db\n")
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.DBPath != "/tmp/env.db" {
		t.Errorf("DBPath = %q, want /tmp/env.db", cfg.DBPath)
	}
	if cfg.Routine.TickIntervalSeconds != 7 {
		t.Errorf("tick interval = %d, want 7", cfg.Routine.TickIntervalSeconds)
	}
}

func TestFingerprintTracksChanges(t *testing.T) {
	a := loadFromHome(t, "")
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs fingerprint differently")
	}
	b.LogLevel = "debug"
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("changed config fingerprints the same")
	}
}
