package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/missiond/internal/budget"
)

func TestInstanceRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := InstanceRecord{
		InstanceID:       "inst-1",
		SessionID:        "sess-1",
		MissionID:        "m-1",
		Role:             "coder",
		TemplateID:       "coder-v1",
		ParentInstanceID: "inst-root",
		SkillHash:        "sha256:deadbeef",
		Status:           InstanceQueued,
		Caller:           "ui",
		Limits:           budget.Limit{MaxTokens: 4000, MaxToolCalls: 20},
	}
	if err := store.InsertInstance(ctx, rec); err != nil {
		t.Fatalf("InsertInstance: %v", err)
	}
	if err := store.InsertInstance(ctx, InstanceRecord{InstanceID: "inst-2", MissionID: "m-1", Role: "reviewer", Status: InstanceRunning}); err != nil {
		t.Fatalf("InsertInstance 2: %v", err)
	}

	got, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Limits.MaxTokens != 4000 || got.Role != "coder" || got.ParentInstanceID != "inst-root" {
		t.Errorf("record = %+v", got)
	}
	if got.SessionID != "sess-1" || got.SkillHash != "sha256:deadbeef" {
		t.Errorf("record = %+v, want session and skill hash preserved", got)
	}

	if err := store.UpdateInstanceUsage(ctx, "inst-1", budget.Usage{Tokens: 120, ToolCalls: 2}); err != nil {
		t.Fatalf("UpdateInstanceUsage: %v", err)
	}
	if err := store.UpdateInstanceStatus(ctx, "inst-1", InstanceCancelled, "budget_exhausted"); err != nil {
		t.Fatalf("UpdateInstanceStatus: %v", err)
	}

	got, err = store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != InstanceCancelled || got.Reason != "budget_exhausted" || got.Usage.Tokens != 120 {
		t.Errorf("record after updates = %+v", got)
	}

	// A late engine report must not reopen a terminal row.
	if err := store.UpdateInstanceStatus(ctx, "inst-1", InstanceCompleted, "late report"); err != nil {
		t.Fatalf("late UpdateInstanceStatus: %v", err)
	}
	got, _ = store.GetInstance(ctx, "inst-1")
	if got.Status != InstanceCancelled {
		t.Errorf("status = %s, want CANCELLED to stick", got.Status)
	}

	live, err := store.ListLiveInstances(ctx)
	if err != nil {
		t.Fatalf("ListLiveInstances: %v", err)
	}
	if len(live) != 1 || live[0].InstanceID != "inst-2" {
		t.Errorf("live = %+v, want only inst-2", live)
	}

	all, err := store.ListInstances(ctx, "m-1")
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(all) != 2 || all[0].InstanceID != "inst-1" {
		t.Errorf("instances = %+v, want insertion order inst-1 first", all)
	}
}

func TestUpdateInstanceStatus_Unknown(t *testing.T) {
	store := openTestStore(t)
	err := store.UpdateInstanceStatus(context.Background(), "ghost", InstanceRunning, "")
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("err = %v, want ErrInstanceNotFound", err)
	}
}
