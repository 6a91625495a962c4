package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/persistence"
)

type recordingStopper struct {
	mu      sync.Mutex
	stopped []string
	done    chan struct{}
}

func newRecordingStopper() *recordingStopper {
	return &recordingStopper{done: make(chan struct{}, 8)}
}

func (s *recordingStopper) StopInstance(_ context.Context, instanceID, _ string) error {
	s.mu.Lock()
	s.stopped = append(s.stopped, instanceID)
	s.mu.Unlock()
	s.done <- struct{}{}
	return nil
}

func admit(t *testing.T, r *Registry, instanceID, missionID, parentID string) {
	t.Helper()
	err := r.Admit(context.Background(), persistence.InstanceRecord{
		InstanceID:       instanceID,
		MissionID:        missionID,
		Role:             "coder",
		ParentInstanceID: parentID,
	})
	if err != nil {
		t.Fatalf("Admit(%s): %v", instanceID, err)
	}
}

func TestAdmitRejectsDuplicates(t *testing.T) {
	r := New(nil, nil, nil)
	admit(t, r, "inst-1", "m-1", "")
	err := r.Admit(context.Background(), persistence.InstanceRecord{InstanceID: "inst-1", MissionID: "m-1"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate admit: got %v, want ErrDuplicateID", err)
	}
	if err := r.Admit(context.Background(), persistence.InstanceRecord{}); err == nil {
		t.Fatal("empty instance_id admitted")
	}
}

func TestLifecycleTransitionsPublish(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("instance.")
	defer b.Unsubscribe(sub)

	r := New(nil, b, nil)
	admit(t, r, "inst-1", "m-1", "")

	if err := r.MarkRunning(context.Background(), "inst-1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	ev := <-sub.Ch()
	if ev.Topic != bus.TopicInstanceStarted {
		t.Fatalf("topic = %s, want %s", ev.Topic, bus.TopicInstanceStarted)
	}
	life := ev.Payload.(bus.InstanceLifecycleEvent)
	if life.OldStatus != string(persistence.InstanceQueued) || life.NewStatus != string(persistence.InstanceRunning) {
		t.Fatalf("transition %s->%s, want QUEUED->RUNNING", life.OldStatus, life.NewStatus)
	}

	if err := r.Reconcile(context.Background(), "inst-1", persistence.InstanceCompleted, ""); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	ev = <-sub.Ch()
	if ev.Topic != bus.TopicInstanceCompleted {
		t.Fatalf("topic = %s, want %s", ev.Topic, bus.TopicInstanceCompleted)
	}
}

func TestReconcileRequiresTerminalStatus(t *testing.T) {
	r := New(nil, nil, nil)
	admit(t, r, "inst-1", "m-1", "")
	if err := r.Reconcile(context.Background(), "inst-1", persistence.InstanceRunning, ""); err == nil {
		t.Fatal("Reconcile accepted a non-terminal status")
	}
}

func TestLateEngineReportIsDropped(t *testing.T) {
	r := New(nil, nil, nil)
	admit(t, r, "inst-1", "m-1", "")
	if err := r.CancelInstance(context.Background(), "m-1", "inst-1", "budget_exhausted"); err != nil {
		t.Fatalf("CancelInstance: %v", err)
	}
	// The engine finishing after the cancel must not flip the status.
	if err := r.Reconcile(context.Background(), "inst-1", persistence.InstanceCompleted, ""); err != nil {
		t.Fatalf("late Reconcile: %v", err)
	}
	rec, ok := r.Get("inst-1")
	if !ok {
		t.Fatal("instance missing")
	}
	if rec.Status != persistence.InstanceCancelled {
		t.Fatalf("status = %s, want CANCELLED", rec.Status)
	}
	if rec.Reason != "budget_exhausted" {
		t.Fatalf("reason = %q, want budget_exhausted", rec.Reason)
	}
}

func TestCancelInvokesStopperAsync(t *testing.T) {
	stopper := newRecordingStopper()
	r := New(nil, nil, nil)
	r.SetStopper(stopper)
	admit(t, r, "inst-1", "m-1", "")
	if err := r.MarkRunning(context.Background(), "inst-1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	if err := r.CancelInstance(context.Background(), "m-1", "inst-1", "operator_cancel"); err != nil {
		t.Fatalf("CancelInstance: %v", err)
	}
	// Status flips before the engine stop completes.
	if rec, _ := r.Get("inst-1"); rec.Status != persistence.InstanceCancelled {
		t.Fatalf("status = %s, want CANCELLED before stop", rec.Status)
	}

	select {
	case <-stopper.done:
	case <-time.After(2 * time.Second):
		t.Fatal("stopper was never invoked")
	}

	// Cancelling again is a no-op and must not stop twice.
	if err := r.CancelInstance(context.Background(), "m-1", "inst-1", "operator_cancel"); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	stopper.mu.Lock()
	calls := len(stopper.stopped)
	stopper.mu.Unlock()
	if calls != 1 {
		t.Fatalf("stopper called %d times, want 1", calls)
	}
}

func TestCancelUnknownInstance(t *testing.T) {
	r := New(nil, nil, nil)
	err := r.CancelInstance(context.Background(), "m-1", "ghost", "reason")
	if !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("got %v, want ErrUnknownInstance", err)
	}
}

func TestCountsAndOrder(t *testing.T) {
	r := New(nil, nil, nil)
	admit(t, r, "inst-1", "m-1", "")
	admit(t, r, "inst-2", "m-1", "inst-1")
	admit(t, r, "inst-3", "m-2", "")
	admit(t, r, "inst-4", "m-1", "inst-1")

	if err := r.Reconcile(context.Background(), "inst-2", persistence.InstanceFailed, "boom"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	total, live := r.Counts("m-1")
	if total != 3 || live != 2 {
		t.Fatalf("Counts(m-1) = (%d, %d), want (3, 2)", total, live)
	}
	// Terminal instances still count toward total: max_agents caps
	// spawns per mission, not live instances.
	total, live = r.Counts("m-2")
	if total != 1 || live != 1 {
		t.Fatalf("Counts(m-2) = (%d, %d), want (1, 1)", total, live)
	}

	list := r.List("m-1")
	if len(list) != 3 || list[0].InstanceID != "inst-1" || list[2].InstanceID != "inst-4" {
		t.Fatalf("List(m-1) order wrong: %+v", list)
	}

	kids := r.ChildrenOf("inst-1")
	if len(kids) != 2 || kids[0].InstanceID != "inst-2" || kids[1].InstanceID != "inst-4" {
		t.Fatalf("ChildrenOf(inst-1) wrong: %+v", kids)
	}
}

func TestRestoreMarksOrphansFailed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")
	store, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	r := New(store, nil, nil)
	admit(t, r, "inst-live", "m-1", "")
	admit(t, r, "inst-done", "m-1", "")
	if err := r.MarkRunning(ctx, "inst-live"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := r.Reconcile(ctx, "inst-done", persistence.InstanceCompleted, ""); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// A fresh registry over the same store simulates a restart.
	restored := New(store, nil, nil)
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	rec, ok := restored.Get("inst-live")
	if !ok || rec.Status != persistence.InstanceFailed || rec.Reason != "orphaned_by_restart" {
		t.Fatalf("orphan not failed: %+v", rec)
	}
	rec, ok = restored.Get("inst-done")
	if !ok || rec.Status != persistence.InstanceCompleted {
		t.Fatalf("completed instance rewritten: %+v", rec)
	}

	got, err := store.GetInstance(ctx, "inst-live")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != persistence.InstanceFailed {
		t.Fatalf("persisted status = %s, want FAILED", got.Status)
	}
}
