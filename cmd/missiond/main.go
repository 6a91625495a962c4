package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/missiond/internal/approval"
	"github.com/basket/missiond/internal/audit"
	"github.com/basket/missiond/internal/budget"
	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/capability"
	"github.com/basket/missiond/internal/config"
	otelPkg "github.com/basket/missiond/internal/otel"
	"github.com/basket/missiond/internal/persistence"
	"github.com/basket/missiond/internal/registry"
	"github.com/basket/missiond/internal/routine"
	"github.com/basket/missiond/internal/runtime"
	"github.com/basket/missiond/internal/skills"
	"github.com/basket/missiond/internal/spawn"
	"github.com/basket/missiond/internal/telemetry"
	"github.com/basket/missiond/internal/template"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// defaultPolicyYAML is written to policy.yaml on first start. It allows
// nothing until an operator opens edges, which is the safe default for a
// fresh deployment.
const defaultPolicyYAML = `# missiond spawn policy.
# The gate denies everything this file does not explicitly allow.
enabled: true
require_justification: false
max_agents: 10
max_concurrent: 5
child_budget_percent_of_parent_remaining: 50
spawn_edges:
  # The empty role is the operator / mission runtime itself.
  "":
    behavior: allow
    can_spawn: [lead, coder, reviewer, tester, researcher]
  lead:
    behavior: allow
    can_spawn: [coder, reviewer, tester]
  coder:
    behavior: request_approval
    can_spawn: [researcher]
skill_source: any
`

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Start the mission orchestration daemon
  %s doctor [-json]  Run diagnostic checks and exit
  %s -version        Print version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MISSIOND_HOME                 Data directory (default: ~/.missiond)
  MISSIOND_DB_PATH              SQLite database path
  MISSIOND_LOG_LEVEL            debug, info, warn, or error
  MISSIOND_POLICY_PATH          Spawn policy file (default: $MISSIOND_HOME/policy.yaml)
  MISSIOND_TEMPLATES_DIR        Agent template directory
  MISSIOND_ROUTINE_TICK_SECONDS Routine scheduler tick interval
  MISSIOND_OTEL_ENABLED         Enable OpenTelemetry export
`)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()
	if *showVersion {
		fmt.Println("missiond", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			printUsage()
			return
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit only needs the home dir, so it comes up before the logger and
	// can capture logger-init failures.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.OTELEnabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	// Spawn policy: bootstrap a default file on first run, then load it.
	// A later broken edit keeps the last good policy active.
	if _, statErr := os.Stat(cfg.PolicyPath); os.IsNotExist(statErr) {
		if writeErr := os.WriteFile(cfg.PolicyPath, []byte(defaultPolicyYAML), 0o644); writeErr != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", writeErr)
		}
		logger.Info("policy.yaml bootstrapped with defaults", "path", cfg.PolicyPath)
	}
	livePolicy := spawn.EmptyLivePolicy()
	if err := livePolicy.ReloadFromFile(cfg.PolicyPath); err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded", "path", cfg.PolicyPath)

	// Skills: resolve from project > user > installed and sync hashes into
	// the registry table so the gate can pin them.
	skillLoader := skills.NewLoader(cfg.Skills.ProjectDir, cfg.Skills.UserDir, cfg.Skills.InstalledDir, logger)
	loadedSkills, err := skillLoader.LoadAll(ctx)
	if err != nil {
		logger.Warn("skill load completed with errors", "error", err)
	}
	skillRegistry := skills.NewRegistry(store, logger)
	if err := skillRegistry.Sync(ctx, loadedSkills); err != nil {
		fatalStartup(logger, "E_SKILL_SYNC", err)
	}

	if err := os.MkdirAll(cfg.TemplatesDir, 0o755); err != nil {
		fatalStartup(logger, "E_TEMPLATES_DIR", err)
	}
	templates, err := template.NewLibrary(logger)
	if err != nil {
		fatalStartup(logger, "E_TEMPLATE_SCHEMA", err)
	}
	if err := templates.LoadDir(cfg.TemplatesDir); err != nil {
		logger.Warn("template load completed with errors", "error", err)
	}

	instances := registry.New(store, eventBus, logger)
	budgets := budget.NewSupervisor(budget.Config{
		Bus:       eventBus,
		Logger:    logger,
		Canceller: instances,
	})
	gate := spawn.NewGate(spawn.Config{
		Policy:  livePolicy,
		Skills:  skillRegistry,
		Budgets: budgets,
		Bus:     eventBus,
		Logger:  logger,
		Counts: func(missionID string) spawn.Counts {
			total, live := instances.Counts(missionID)
			return spawn.Counts{TotalSpawned: total, Concurrent: live}
		},
	})
	guard := capability.NewGuard(eventBus, logger)
	approvals := approval.NewService(store, eventBus, logger)

	rt := runtime.New(runtime.Config{
		Store:       store,
		Bus:         eventBus,
		Gate:        gate,
		Budgets:     budgets,
		Registry:    instances,
		Approvals:   approvals,
		Templates:   templates,
		Guard:       guard,
		Engine:      nil, // wired by the embedding execution layer
		Tools:       nil, // likewise external; actions fail closed without one
		Logger:      logger,
		ApprovalTTL: time.Duration(cfg.Approval.DefaultTTLSeconds) * time.Second,
	})

	if err := rt.Recover(ctx); err != nil {
		fatalStartup(logger, "E_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "recovery_completed")

	rt.Start(ctx)
	defer rt.Stop()

	approvals.StartSweeper(time.Duration(cfg.Approval.SweepIntervalSeconds) * time.Second)
	defer approvals.Close()

	scheduler := routine.NewScheduler(routine.Config{
		Store:               store,
		Bus:                 eventBus,
		Launcher:            rt,
		Parker:              approvals,
		Logger:              logger,
		Interval:            time.Duration(cfg.Routine.TickIntervalSeconds) * time.Second,
		AllowedIntegrations: cfg.Routine.AllowedIntegrations,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Policy hot reload: a broken file logs and keeps the previous policy.
	watcher := config.NewWatcher(cfg.HomeDir, cfg.PolicyPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; policy edits need a restart", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if !watcher.IsPolicyChange(ev) {
					continue
				}
				if err := livePolicy.ReloadFromFile(cfg.PolicyPath); err != nil {
					logger.Error("spawn policy reload failed; keeping previous policy",
						"path", cfg.PolicyPath,
						"error", err,
					)
					continue
				}
				logger.Info("spawn policy reloaded", "path", cfg.PolicyPath)
			}
		}()
	}

	logger.Info("missiond ready",
		"home", cfg.HomeDir,
		"templates", len(templates.List()),
		"skills", len(loadedSkills),
	)

	<-ctx.Done()
	logger.Info("shutting down", "reason", "signal")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message, "", "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":%q,"level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
