package persistence

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/basket/missiond/internal/mission"
)

func seedSpec() mission.Spec {
	return mission.Spec{
		MissionID: "m-1",
		Goal:      "refactor the importer",
		WorkItems: []mission.ItemSpec{
			{ID: "A", Role: "coder"},
			{ID: "B", Role: "coder", DependsOn: []string{"A"}},
		},
		RoleGates: map[string]mission.Gates{"coder": {Review: true}},
	}
}

func TestMissionLifecyclePersistence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	spec := seedSpec()
	state := mission.NewState(spec, at)
	if err := store.CreateMission(ctx, spec, state); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	ev := mission.Event{Type: mission.EventMissionStarted, MissionID: "m-1", At: at}
	next, _, err := mission.Apply(state, ev)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	eventID, err := store.CommitMissionEvent(ctx, ev, next)
	if err != nil {
		t.Fatalf("CommitMissionEvent: %v", err)
	}
	if eventID == 0 {
		t.Fatal("event id = 0, want assigned")
	}

	gotSpec, gotState, err := store.GetMission(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMission: %v", err)
	}
	if gotSpec.Goal != spec.Goal {
		t.Errorf("goal = %q, want %q", gotSpec.Goal, spec.Goal)
	}
	if gotState.Status != mission.StatusExecuting {
		t.Errorf("status = %s, want executing", gotState.Status)
	}
	if got := gotState.Items["A"].Status; got != mission.ItemReady {
		t.Errorf("A = %s, want READY", got)
	}

	recs, err := store.ListMissions(ctx)
	if err != nil {
		t.Fatalf("ListMissions: %v", err)
	}
	if len(recs) != 1 || recs[0].MissionID != "m-1" || recs[0].LastEventID != eventID {
		t.Errorf("records = %+v, want single m-1 at event %d", recs, eventID)
	}

	events, err := store.ListMissionEvents(ctx, "m-1", 0, 100)
	if err != nil {
		t.Fatalf("ListMissionEvents: %v", err)
	}
	if len(events) != 1 || events[0].Event.Type != mission.EventMissionStarted {
		t.Errorf("events = %+v, want single mission_started", events)
	}
}

func TestCommitMissionEvent_UnknownMission(t *testing.T) {
	store := openTestStore(t)
	ev := mission.Event{Type: mission.EventMissionStarted, MissionID: "ghost", At: time.Now()}
	_, err := store.CommitMissionEvent(context.Background(), ev, mission.State{MissionID: "ghost"})
	if !errors.Is(err, ErrMissionNotFound) {
		t.Fatalf("err = %v, want ErrMissionNotFound", err)
	}
}

func TestReplayMission_MatchesSnapshot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	spec := seedSpec()
	state := mission.NewState(spec, at)
	if err := store.CreateMission(ctx, spec, state); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	log := []mission.Event{
		{Type: mission.EventMissionStarted, MissionID: "m-1", At: at},
		{Type: mission.EventWorkItemClaimed, MissionID: "m-1", ItemID: "A", InstanceID: "inst-1", At: at},
		{Type: mission.EventWorkItemSubmitted, MissionID: "m-1", ItemID: "A", InstanceID: "inst-1", At: at},
		{Type: mission.EventReviewApproved, MissionID: "m-1", ItemID: "A", At: at},
	}
	for _, ev := range log {
		next, _, err := mission.Apply(state, ev)
		if err != nil {
			t.Fatalf("Apply(%s): %v", ev.Type, err)
		}
		state = next
		if _, err := store.CommitMissionEvent(ctx, ev, state); err != nil {
			t.Fatalf("CommitMissionEvent(%s): %v", ev.Type, err)
		}
	}

	replayed, err := store.ReplayMission(ctx, "m-1")
	if err != nil {
		t.Fatalf("ReplayMission: %v", err)
	}
	// Replay starts from the mission row's created_at, so timestamps differ;
	// compare the structural state.
	replayed.CreatedAt, replayed.UpdatedAt = state.CreatedAt, state.UpdatedAt
	if !reflect.DeepEqual(replayed, state) {
		t.Fatalf("replayed state diverged:\nreplayed: %+v\nsnapshot: %+v", replayed, state)
	}
	if got := replayed.Items["B"].Status; got != mission.ItemReady {
		t.Errorf("B = %s, want READY after A approved", got)
	}
}
