// Package routine provides the scheduler that fires recurring missions
// through the same policy path as interactive callers.
package routine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// FireSubject is what a routine fire carries into the launch path. Tools
// are the set frozen at fire time, not the routine's current definition.
type FireSubject struct {
	RoutineID    string   `json:"routine_id"`
	RunID        string   `json:"run_id"`
	Name         string   `json:"name"`
	TemplateID   string   `json:"template_id,omitempty"`
	Goal         string   `json:"goal,omitempty"`
	AllowedTools []string `json:"allowed_tools"`
}

// Launcher starts a mission for a fire that needs no approval.
type Launcher interface {
	LaunchRoutine(ctx context.Context, subject FireSubject) (missionID string, err error)
}

// Parker parks a fire that needs an operator before it may launch.
type Parker interface {
	Park(ctx context.Context, kind, missionID, requesterID string, subject any, expiresIn time.Duration) (persistence.ApprovalRecord, error)
}

// Config holds the dependencies for the routine scheduler.
type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Launcher Launcher
	Parker   Parker
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero

	// AllowedIntegrations is the deployment-wide allow-list of external
	// integrations a routine may name. A routine naming anything outside
	// it fires as blocked.
	AllowedIntegrations []string
}

// Scheduler periodically queries the store for due routines and fires
// each one.
type Scheduler struct {
	store        *persistence.Store
	bus          *bus.Bus
	launcher     Launcher
	parker       Parker
	logger       *slog.Logger
	interval     time.Duration
	integrations []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        cfg.Store,
		bus:          cfg.Bus,
		launcher:     cfg.Launcher,
		parker:       cfg.Parker,
		logger:       logger,
		interval:     interval,
		integrations: cfg.AllowedIntegrations,
	}
}

// Create validates the cron expression, computes the first run time, and
// persists the routine. A missing routine_id gets a fresh one.
func (s *Scheduler) Create(ctx context.Context, rec persistence.RoutineRecord) (persistence.RoutineRecord, error) {
	if rec.Name == "" {
		return persistence.RoutineRecord{}, fmt.Errorf("routine name must be non-empty")
	}
	next, err := NextRunTime(rec.CronExpr, time.Now().UTC())
	if err != nil {
		return persistence.RoutineRecord{}, fmt.Errorf("invalid cron expression %q: %w", rec.CronExpr, err)
	}
	if rec.RoutineID == "" {
		rec.RoutineID = uuid.NewString()
	}
	rec.Enabled = true
	rec.NextRunAt = &next
	if err := s.store.CreateRoutine(ctx, rec); err != nil {
		return persistence.RoutineRecord{}, err
	}
	s.logger.Info("routine created",
		"routine_id", rec.RoutineID,
		"name", rec.Name,
		"cron_expr", rec.CronExpr,
		"next_run_at", next,
	)
	return rec, nil
}

// Pause disables a routine without touching its history.
func (s *Scheduler) Pause(ctx context.Context, routineID string) error {
	return s.store.SetRoutineEnabled(ctx, routineID, false)
}

// Resume re-enables a paused routine.
func (s *Scheduler) Resume(ctx context.Context, routineID string) error {
	return s.store.SetRoutineEnabled(ctx, routineID, true)
}

// Delete removes the routine definition; run history is kept.
func (s *Scheduler) Delete(ctx context.Context, routineID string) error {
	return s.store.DeleteRoutine(ctx, routineID)
}

func (s *Scheduler) Get(ctx context.Context, routineID string) (persistence.RoutineRecord, error) {
	return s.store.GetRoutine(ctx, routineID)
}

func (s *Scheduler) List(ctx context.Context) ([]persistence.RoutineRecord, error) {
	return s.store.ListRoutines(ctx)
}

func (s *Scheduler) Runs(ctx context.Context, routineID string, limit int) ([]persistence.RoutineRun, error) {
	return s.store.ListRoutineRuns(ctx, routineID, limit)
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("routine scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("routine scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// Tick queries for due routines and fires each one.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.DueRoutines(ctx, now)
	if err != nil {
		s.logger.Error("failed to query due routines", "error", err)
		return
	}
	for _, rec := range due {
		s.fire(ctx, rec, now)
	}
}

// fire runs one due routine: freeze its tool set, decide the outcome,
// record the run, and advance the schedule. The run row is written even
// when the fire parks or blocks so the audit trail shows every attempt.
func (s *Scheduler) fire(ctx context.Context, rec persistence.RoutineRecord, now time.Time) {
	run := persistence.RoutineRun{
		RunID:        uuid.NewString(),
		RoutineID:    rec.RoutineID,
		AllowedTools: slices.Clone(rec.AllowedTools),
		FiredAt:      now,
	}
	subject := FireSubject{
		RoutineID:    rec.RoutineID,
		RunID:        run.RunID,
		Name:         rec.Name,
		TemplateID:   rec.TemplateID,
		Goal:         rec.Goal,
		AllowedTools: run.AllowedTools,
	}

	denied := s.deniedIntegration(rec)
	switch {
	case denied != "":
		run.Outcome = persistence.RunOutcomeBlocked
		run.Error = fmt.Sprintf("external integration %q not allowed", denied)

	case rec.RequiresApproval:
		approval, err := s.parker.Park(ctx, persistence.ApprovalKindRoutine, "", rec.RoutineID, subject, 0)
		if err != nil {
			s.logger.Error("failed to park routine fire",
				"routine_id", rec.RoutineID,
				"error", err,
			)
			return
		}
		run.Outcome = persistence.RunOutcomeApprovalRequired
		run.ApprovalID = approval.ApprovalID

	default:
		missionID, err := s.launcher.LaunchRoutine(ctx, subject)
		if err != nil {
			run.Outcome = persistence.RunOutcomeBlocked
			run.Error = err.Error()
		} else {
			run.Outcome = persistence.RunOutcomeSpawned
			run.MissionID = missionID
		}
	}

	nextRun, err := NextRunTime(rec.CronExpr, now)
	if err != nil {
		s.logger.Error("failed to compute next run time",
			"routine_id", rec.RoutineID,
			"cron_expr", rec.CronExpr,
			"error", err,
		)
		return
	}
	if err := s.store.MarkRoutineFired(ctx, run, nextRun); err != nil {
		s.logger.Error("failed to record routine fire",
			"routine_id", rec.RoutineID,
			"run_id", run.RunID,
			"error", err,
		)
		return
	}

	s.publish(rec, run)
	s.logger.Info("routine fired",
		"routine_id", rec.RoutineID,
		"run_id", run.RunID,
		"outcome", run.Outcome,
		"mission_id", run.MissionID,
		"next_run_at", nextRun,
	)
}

// deniedIntegration returns the first integration the routine names that
// the deployment does not allow, or "".
func (s *Scheduler) deniedIntegration(rec persistence.RoutineRecord) string {
	for _, want := range rec.ExternalIntegrations {
		if !slices.Contains(s.integrations, want) {
			return want
		}
	}
	return ""
}

func (s *Scheduler) publish(rec persistence.RoutineRecord, run persistence.RoutineRun) {
	if s.bus == nil {
		return
	}
	topic := bus.TopicRoutineFired
	switch run.Outcome {
	case persistence.RunOutcomeApprovalRequired:
		topic = bus.TopicRoutineApprovalRequired
	case persistence.RunOutcomeBlocked:
		topic = bus.TopicRoutineBlocked
	}
	s.bus.Publish(topic, bus.RoutineFireEvent{
		RoutineID:    rec.RoutineID,
		RunID:        run.RunID,
		Outcome:      run.Outcome,
		AllowedTools: run.AllowedTools,
		MissionID:    run.MissionID,
		ApprovalID:   run.ApprovalID,
	})
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
