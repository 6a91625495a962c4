package routine_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/persistence"
	"github.com/basket/missiond/internal/routine"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "routines.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeLauncher struct {
	launched []routine.FireSubject
	err      error
}

func (f *fakeLauncher) LaunchRoutine(_ context.Context, subject routine.FireSubject) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.launched = append(f.launched, subject)
	return "mission-" + subject.RoutineID, nil
}

type fakeParker struct {
	parked []persistence.ApprovalRecord
}

func (f *fakeParker) Park(_ context.Context, kind, missionID, requesterID string, _ any, _ time.Duration) (persistence.ApprovalRecord, error) {
	rec := persistence.ApprovalRecord{
		ApprovalID:  "appr-" + requesterID,
		Kind:        kind,
		MissionID:   missionID,
		RequesterID: requesterID,
		Status:      persistence.ApprovalPending,
	}
	f.parked = append(f.parked, rec)
	return rec, nil
}

func newTestScheduler(t *testing.T, store *persistence.Store, b *bus.Bus, launcher *fakeLauncher, allowed []string) *routine.Scheduler {
	t.Helper()
	return routine.NewScheduler(routine.Config{
		Store:               store,
		Bus:                 b,
		Launcher:            launcher,
		Parker:              &fakeParker{},
		AllowedIntegrations: allowed,
	})
}

func createDue(t *testing.T, s *routine.Scheduler, rec persistence.RoutineRecord) persistence.RoutineRecord {
	t.Helper()
	rec.CronExpr = "*/5 * * * *"
	created, err := s.Create(context.Background(), rec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func TestCreateRejectsBadCron(t *testing.T) {
	store := openTestStore(t)
	s := newTestScheduler(t, store, nil, &fakeLauncher{}, nil)
	_, err := s.Create(context.Background(), persistence.RoutineRecord{
		Name:     "bad",
		CronExpr: "every 5 minutes",
	})
	if err == nil {
		t.Fatal("invalid cron expression accepted")
	}
}

func TestTickFiresDueRoutineAndAdvancesSchedule(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	b := bus.New()
	sub := b.Subscribe("routine.")
	defer b.Unsubscribe(sub)
	launcher := &fakeLauncher{}
	s := newTestScheduler(t, store, b, launcher, nil)

	rec := createDue(t, s, persistence.RoutineRecord{
		Name:         "nightly-report",
		Goal:         "summarize yesterday",
		AllowedTools: []string{"read_file", "web_search"},
	})

	fireAt := rec.NextRunAt.Add(time.Second)
	s.Tick(ctx, fireAt)

	if len(launcher.launched) != 1 {
		t.Fatalf("launched %d missions, want 1", len(launcher.launched))
	}
	got := launcher.launched[0]
	if got.Goal != "summarize yesterday" || len(got.AllowedTools) != 2 {
		t.Fatalf("subject wrong: %+v", got)
	}

	runs, err := s.Runs(ctx, rec.RoutineID, 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != persistence.RunOutcomeSpawned {
		t.Fatalf("runs = %+v, want one spawned run", runs)
	}
	if runs[0].MissionID == "" {
		t.Fatal("run missing mission id")
	}

	after, err := s.Get(ctx, rec.RoutineID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.NextRunAt == nil || !after.NextRunAt.After(fireAt) {
		t.Fatalf("next_run_at not advanced: %v", after.NextRunAt)
	}

	ev := <-sub.Ch()
	if ev.Topic != bus.TopicRoutineFired {
		t.Fatalf("topic = %s, want %s", ev.Topic, bus.TopicRoutineFired)
	}

	// Same instant again: the advanced schedule is no longer due.
	s.Tick(ctx, fireAt)
	if len(launcher.launched) != 1 {
		t.Fatalf("routine double-fired: %d launches", len(launcher.launched))
	}
}

func TestFireFreezesToolsAgainstLaterEdits(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	launcher := &fakeLauncher{}
	s := newTestScheduler(t, store, nil, launcher, nil)

	rec := createDue(t, s, persistence.RoutineRecord{
		Name:         "sync",
		AllowedTools: []string{"read_file"},
	})
	s.Tick(ctx, rec.NextRunAt.Add(time.Second))

	runs, err := s.Runs(ctx, rec.RoutineID, 1)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || len(runs[0].AllowedTools) != 1 || runs[0].AllowedTools[0] != "read_file" {
		t.Fatalf("frozen tools wrong: %+v", runs)
	}
}

func TestRequiresApprovalParksInsteadOfLaunching(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	b := bus.New()
	sub := b.Subscribe(bus.TopicRoutineApprovalRequired)
	defer b.Unsubscribe(sub)
	launcher := &fakeLauncher{}
	parker := &fakeParker{}
	s := routine.NewScheduler(routine.Config{
		Store: store, Bus: b, Launcher: launcher, Parker: parker,
	})

	rec := createDue(t, s, persistence.RoutineRecord{
		Name:             "deploy",
		RequiresApproval: true,
	})
	s.Tick(ctx, rec.NextRunAt.Add(time.Second))

	if len(launcher.launched) != 0 {
		t.Fatal("approval-gated routine launched directly")
	}
	if len(parker.parked) != 1 {
		t.Fatalf("parked %d approvals, want 1", len(parker.parked))
	}
	runs, _ := s.Runs(ctx, rec.RoutineID, 1)
	if len(runs) != 1 || runs[0].Outcome != persistence.RunOutcomeApprovalRequired || runs[0].ApprovalID == "" {
		t.Fatalf("runs = %+v, want approval_required with approval id", runs)
	}
	ev := <-sub.Ch()
	if ev.Topic != bus.TopicRoutineApprovalRequired {
		t.Fatalf("topic = %s", ev.Topic)
	}
}

func TestDisallowedIntegrationBlocks(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	launcher := &fakeLauncher{}
	s := newTestScheduler(t, store, nil, launcher, []string{"slack"})

	rec := createDue(t, s, persistence.RoutineRecord{
		Name:                 "pager",
		ExternalIntegrations: []string{"slack", "pagerduty"},
	})
	s.Tick(ctx, rec.NextRunAt.Add(time.Second))

	if len(launcher.launched) != 0 {
		t.Fatal("blocked routine launched")
	}
	runs, _ := s.Runs(ctx, rec.RoutineID, 1)
	if len(runs) != 1 || runs[0].Outcome != persistence.RunOutcomeBlocked {
		t.Fatalf("runs = %+v, want blocked", runs)
	}
	if runs[0].Error == "" {
		t.Fatal("blocked run missing error detail")
	}
}

func TestLaunchFailureRecordsBlockedRun(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	launcher := &fakeLauncher{err: errors.New("gate refused")}
	s := newTestScheduler(t, store, nil, launcher, nil)

	rec := createDue(t, s, persistence.RoutineRecord{Name: "flaky"})
	s.Tick(ctx, rec.NextRunAt.Add(time.Second))

	runs, _ := s.Runs(ctx, rec.RoutineID, 1)
	if len(runs) != 1 || runs[0].Outcome != persistence.RunOutcomeBlocked || runs[0].Error != "gate refused" {
		t.Fatalf("runs = %+v, want blocked with launch error", runs)
	}
	// Failed launches still advance the schedule so a broken routine
	// cannot fire in a tight loop.
	after, _ := s.Get(ctx, rec.RoutineID)
	if after.NextRunAt == nil || !after.NextRunAt.After(*rec.NextRunAt) {
		t.Fatalf("next_run_at not advanced after failed launch: %v", after.NextRunAt)
	}
}

func TestPausedRoutineNeverFires(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	launcher := &fakeLauncher{}
	s := newTestScheduler(t, store, nil, launcher, nil)

	rec := createDue(t, s, persistence.RoutineRecord{Name: "paused"})
	if err := s.Pause(ctx, rec.RoutineID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	s.Tick(ctx, rec.NextRunAt.Add(time.Hour))
	if len(launcher.launched) != 0 {
		t.Fatal("paused routine fired")
	}

	if err := s.Resume(ctx, rec.RoutineID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	s.Tick(ctx, rec.NextRunAt.Add(time.Hour))
	if len(launcher.launched) != 1 {
		t.Fatalf("resumed routine fired %d times, want 1", len(launcher.launched))
	}
}
