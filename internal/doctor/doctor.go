// Package doctor runs startup-independent diagnostic checks: can the
// daemon home be written, does the database open, does the spawn policy
// parse, do the templates load.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/missiond/internal/config"
	"github.com/basket/missiond/internal/persistence"
	"github.com/basket/missiond/internal/skills"
	"github.com/basket/missiond/internal/spawn"
	"github.com/basket/missiond/internal/template"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, res := range d.Results {
		if res.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkPolicy,
		checkTemplates,
		checkSkills,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	missions, err := store.ListMissions(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("%d missions recorded", len(missions)),
	}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Spawn Policy", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.PolicyPath); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Spawn Policy",
			Status:  "WARN",
			Message: fmt.Sprintf("%s missing; daemon will bootstrap defaults", cfg.PolicyPath),
		}
	}
	probe := spawn.EmptyLivePolicy()
	if err := probe.ReloadFromFile(cfg.PolicyPath); err != nil {
		return CheckResult{Name: "Spawn Policy", Status: "FAIL", Message: fmt.Sprintf("Invalid: %v", err)}
	}
	_, version, _ := probe.Snapshot()
	return CheckResult{
		Name:    "Spawn Policy",
		Status:  "PASS",
		Message: fmt.Sprintf("Parsed %s", cfg.PolicyPath),
		Detail:  version,
	}
}

func checkTemplates(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Templates", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.TemplatesDir); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Templates",
			Status:  "WARN",
			Message: fmt.Sprintf("%s missing; daemon will create it", cfg.TemplatesDir),
		}
	}
	lib, err := template.NewLibrary(nil)
	if err != nil {
		return CheckResult{Name: "Templates", Status: "FAIL", Message: fmt.Sprintf("Schema compile failed: %v", err)}
	}
	if err := lib.LoadDir(cfg.TemplatesDir); err != nil {
		return CheckResult{Name: "Templates", Status: "WARN", Message: fmt.Sprintf("Load completed with errors: %v", err)}
	}
	return CheckResult{
		Name:    "Templates",
		Status:  "PASS",
		Message: fmt.Sprintf("%d templates valid", len(lib.List())),
	}
}

func checkSkills(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Skills", Status: "SKIP", Message: "Config missing"}
	}
	loader := skills.NewLoader(cfg.Skills.ProjectDir, cfg.Skills.UserDir, cfg.Skills.InstalledDir, nil)
	loaded, err := loader.LoadAll(ctx)
	if err != nil {
		return CheckResult{Name: "Skills", Status: "WARN", Message: fmt.Sprintf("Load completed with errors: %v", err)}
	}
	return CheckResult{
		Name:    "Skills",
		Status:  "PASS",
		Message: fmt.Sprintf("%d skills resolved", len(loaded)),
	}
}
