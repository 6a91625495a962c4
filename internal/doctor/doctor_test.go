package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/missiond/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:      home,
		DBPath:       filepath.Join(home, "missiond.db"),
		PolicyPath:   filepath.Join(home, "policy.yaml"),
		TemplatesDir: filepath.Join(home, "templates"),
		Skills: config.SkillsConfig{
			ProjectDir:   filepath.Join(home, "project-skills"),
			UserDir:      filepath.Join(home, "skills"),
			InstalledDir: filepath.Join(home, "installed"),
		},
	}
}

func resultFor(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, res := range d.Results {
		if res.Name == name {
			return res
		}
	}
	t.Fatalf("no %q check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRunOnFreshHome(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")

	if got := resultFor(t, d, "Config").Status; got != "PASS" {
		t.Errorf("Config = %s, want PASS", got)
	}
	if got := resultFor(t, d, "Permissions").Status; got != "PASS" {
		t.Errorf("Permissions = %s, want PASS", got)
	}
	if got := resultFor(t, d, "Database").Status; got != "PASS" {
		t.Errorf("Database = %s, want PASS", got)
	}
	// Policy and templates are bootstrapped by the daemon, not doctor.
	if got := resultFor(t, d, "Spawn Policy").Status; got != "WARN" {
		t.Errorf("Spawn Policy = %s, want WARN", got)
	}
	if got := resultFor(t, d, "Templates").Status; got != "WARN" {
		t.Errorf("Templates = %s, want WARN", got)
	}
	if d.Failed() {
		t.Error("fresh home reported a failure")
	}
}

func TestRunFlagsBrokenPolicy(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.PolicyPath, []byte("enabled: [not, a, bool]"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := Run(context.Background(), cfg, "test")
	if got := resultFor(t, d, "Spawn Policy").Status; got != "FAIL" {
		t.Errorf("Spawn Policy = %s, want FAIL", got)
	}
	if !d.Failed() {
		t.Error("Failed() = false with a broken policy")
	}
}

func TestRunValidPolicyAndTemplates(t *testing.T) {
	cfg := testConfig(t)
	policy := "enabled: true\nspawn_edges:\n  lead:\n    behavior: allow\n    can_spawn: [coder]\n"
	if err := os.WriteFile(cfg.PolicyPath, []byte(policy), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(cfg.TemplatesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	tmpl := `{"template_id": "coder-v1", "role": "coder"}`
	if err := os.WriteFile(filepath.Join(cfg.TemplatesDir, "coder.json"), []byte(tmpl), 0o644); err != nil {
		t.Fatal(err)
	}

	d := Run(context.Background(), cfg, "test")
	if got := resultFor(t, d, "Spawn Policy").Status; got != "PASS" {
		t.Errorf("Spawn Policy = %s, want PASS", got)
	}
	res := resultFor(t, d, "Templates")
	if res.Status != "PASS" {
		t.Errorf("Templates = %s, want PASS (%s)", res.Status, res.Message)
	}
}
