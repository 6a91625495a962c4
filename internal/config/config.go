// Package config loads missiond's configuration: config.yaml under the
// daemon home, environment overrides, and defaults.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type SkillsConfig struct {
	ProjectDir   string `yaml:"project_dir"`
	UserDir      string `yaml:"user_dir"`
	InstalledDir string `yaml:"installed_dir"`
}

type RoutineConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`

	// AllowedIntegrations is the deployment-wide allow-list of external
	// integrations routines may use. Empty blocks them all.
	AllowedIntegrations []string `yaml:"allowed_integrations"`
}

type ApprovalConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// DefaultTTLSeconds is the expiry applied to new approvals.
	// 0 means approvals never expire.
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
}

type TelemetryConfig struct {
	OTELEnabled bool    `yaml:"otel_enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath       string `yaml:"db_path"`
	LogLevel     string `yaml:"log_level"`
	PolicyPath   string `yaml:"policy_path"`
	TemplatesDir string `yaml:"templates_dir"`

	Skills    SkillsConfig    `yaml:"skills"`
	Routine   RoutineConfig   `yaml:"routine"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// HomeDir returns the daemon home, honoring the MISSIOND_HOME override.
func HomeDir() string {
	if override := os.Getenv("MISSIOND_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".missiond")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig(homeDir string) Config {
	return Config{
		HomeDir:      homeDir,
		DBPath:       filepath.Join(homeDir, "missiond.db"),
		LogLevel:     "info",
		PolicyPath:   filepath.Join(homeDir, "policy.yaml"),
		TemplatesDir: filepath.Join(homeDir, "templates"),
		Skills: SkillsConfig{
			ProjectDir:   "./skills",
			UserDir:      filepath.Join(homeDir, "skills"),
			InstalledDir: filepath.Join(homeDir, "installed-skills"),
		},
		Routine: RoutineConfig{
			TickIntervalSeconds: 60,
		},
		Approval: ApprovalConfig{
			SweepIntervalSeconds: 60,
			DefaultTTLSeconds:    0,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "missiond",
			SampleRate:  1.0,
		},
	}
}

// Load reads config.yaml from the daemon home, creating the home if
// needed. A missing config file yields defaults; a malformed one is an
// error.
func Load() (Config, error) {
	homeDir := HomeDir()
	cfg := defaultConfig(homeDir)

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create missiond home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	defaults := defaultConfig(cfg.HomeDir)
	if cfg.DBPath == "" {
		cfg.DBPath = defaults.DBPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = defaults.PolicyPath
	}
	if cfg.TemplatesDir == "" {
		cfg.TemplatesDir = defaults.TemplatesDir
	}
	if cfg.Skills.ProjectDir == "" {
		cfg.Skills.ProjectDir = defaults.Skills.ProjectDir
	}
	if cfg.Skills.UserDir == "" {
		cfg.Skills.UserDir = defaults.Skills.UserDir
	}
	if cfg.Skills.InstalledDir == "" {
		cfg.Skills.InstalledDir = defaults.Skills.InstalledDir
	}
	if cfg.Routine.TickIntervalSeconds <= 0 {
		cfg.Routine.TickIntervalSeconds = defaults.Routine.TickIntervalSeconds
	}
	if cfg.Approval.SweepIntervalSeconds <= 0 {
		cfg.Approval.SweepIntervalSeconds = defaults.Approval.SweepIntervalSeconds
	}
	if cfg.Approval.DefaultTTLSeconds < 0 {
		cfg.Approval.DefaultTTLSeconds = 0
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = defaults.Telemetry.Exporter
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = defaults.Telemetry.ServiceName
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = defaults.Telemetry.SampleRate
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MISSIOND_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("MISSIOND_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MISSIOND_POLICY_PATH"); raw != "" {
		cfg.PolicyPath = raw
	}
	if raw := os.Getenv("MISSIOND_TEMPLATES_DIR"); raw != "" {
		cfg.TemplatesDir = raw
	}
	if raw := os.Getenv("MISSIOND_ROUTINE_TICK_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Routine.TickIntervalSeconds = v
		}
	}
	if raw := os.Getenv("MISSIOND_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Telemetry.OTELEnabled = v
		}
	}
}

// Fingerprint returns a stable hash of the active config for startup
// logging.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|policy=%s|templates=%s|tick=%d|otel=%t",
		c.DBPath, c.LogLevel, c.PolicyPath, c.TemplatesDir,
		c.Routine.TickIntervalSeconds, c.Telemetry.OTELEnabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
