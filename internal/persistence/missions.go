package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/missiond/internal/mission"
	"github.com/basket/missiond/internal/shared"
)

var ErrMissionNotFound = errors.New("mission not found")

// MissionRecord is the row-level view of a mission, without the full state.
type MissionRecord struct {
	MissionID   string         `json:"mission_id"`
	Goal        string         `json:"goal"`
	Status      mission.Status `json:"status"`
	LastEventID int64          `json:"last_event_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StoredEvent is one durable entry of a mission's event log.
type StoredEvent struct {
	EventID   int64         `json:"event_id"`
	TraceID   string        `json:"trace_id,omitempty"`
	Event     mission.Event `json:"event"`
	CreatedAt time.Time     `json:"created_at"`
}

// CreateMission persists a new mission with its spec and initial state.
func (s *Store) CreateMission(ctx context.Context, spec mission.Spec, state mission.State) error {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal mission spec: %w", err)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal mission state: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO missions (mission_id, goal, status, spec_json, state_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, spec.MissionID, spec.Goal, string(state.Status), string(specJSON), string(stateJSON))
		if err != nil {
			return fmt.Errorf("insert mission: %w", err)
		}
		return nil
	})
}

// CommitMissionEvent appends an event to the mission's durable log and
// stores the post-apply state snapshot in the same transaction. The event
// is on disk before any of its commands execute, so a crash between commit
// and command execution is recovered by replay, never by re-deciding.
func (s *Store) CommitMissionEvent(ctx context.Context, ev mission.Event, state mission.State) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal mission event: %w", err)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal mission state: %w", err)
	}
	traceID := shared.TraceID(ctx)

	var eventID int64
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mission event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO mission_events (mission_id, event_type, trace_id, payload_json, created_at)
			VALUES (?, ?, NULLIF(?, '-'), ?, CURRENT_TIMESTAMP);
		`, ev.MissionID, string(ev.Type), traceID, string(payload))
		if err != nil {
			return fmt.Errorf("insert mission event: %w", err)
		}
		eventID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("mission event id: %w", err)
		}

		upd, err := tx.ExecContext(ctx, `
			UPDATE missions
			SET status = ?, state_json = ?, last_event_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE mission_id = ?;
		`, string(state.Status), string(stateJSON), eventID, ev.MissionID)
		if err != nil {
			return fmt.Errorf("update mission snapshot: %w", err)
		}
		affected, err := upd.RowsAffected()
		if err != nil {
			return fmt.Errorf("mission snapshot rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("%w: %s", ErrMissionNotFound, ev.MissionID)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return eventID, nil
}

// GetMission loads a mission's spec and latest state snapshot.
func (s *Store) GetMission(ctx context.Context, missionID string) (mission.Spec, mission.State, error) {
	var specJSON, stateJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT spec_json, state_json FROM missions WHERE mission_id = ?;
	`, missionID).Scan(&specJSON, &stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return mission.Spec{}, mission.State{}, fmt.Errorf("%w: %s", ErrMissionNotFound, missionID)
	}
	if err != nil {
		return mission.Spec{}, mission.State{}, fmt.Errorf("select mission: %w", err)
	}
	var spec mission.Spec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return mission.Spec{}, mission.State{}, fmt.Errorf("unmarshal mission spec: %w", err)
	}
	var state mission.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return mission.Spec{}, mission.State{}, fmt.Errorf("unmarshal mission state: %w", err)
	}
	return spec, state, nil
}

// ListMissions returns mission records ordered by creation time.
func (s *Store) ListMissions(ctx context.Context) ([]MissionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mission_id, goal, status, last_event_id, created_at, updated_at
		FROM missions
		ORDER BY created_at ASC, mission_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query missions: %w", err)
	}
	defer rows.Close()

	var out []MissionRecord
	for rows.Next() {
		var rec MissionRecord
		var status string
		if err := rows.Scan(&rec.MissionID, &rec.Goal, &status, &rec.LastEventID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		rec.Status = mission.Status(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mission rows: %w", err)
	}
	return out, nil
}

// ListMissionEvents returns the mission's event log after fromEventID, in
// append order.
func (s *Store) ListMissionEvents(ctx context.Context, missionID string, fromEventID int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, COALESCE(trace_id, ''), payload_json, created_at
		FROM mission_events
		WHERE mission_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, missionID, fromEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list mission events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			se      StoredEvent
			payload string
		)
		if err := rows.Scan(&se.EventID, &se.TraceID, &payload, &se.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mission event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &se.Event); err != nil {
			return nil, fmt.Errorf("unmarshal mission event %d: %w", se.EventID, err)
		}
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mission event rows: %w", err)
	}
	return out, nil
}

// ReplayMission rebuilds a mission's state from its spec and full event
// log. Events the reducer rejects are skipped, matching how they were
// handled live.
func (s *Store) ReplayMission(ctx context.Context, missionID string) (mission.State, error) {
	spec, _, err := s.GetMission(ctx, missionID)
	if err != nil {
		return mission.State{}, err
	}
	var createdAt time.Time
	if err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM missions WHERE mission_id = ?;
	`, missionID).Scan(&createdAt); err != nil {
		return mission.State{}, fmt.Errorf("select mission created_at: %w", err)
	}

	state := mission.NewState(spec, createdAt)
	var from int64
	for {
		events, err := s.ListMissionEvents(ctx, missionID, from, 1000)
		if err != nil {
			return mission.State{}, err
		}
		if len(events) == 0 {
			return state, nil
		}
		for _, se := range events {
			next, _, err := mission.Apply(state, se.Event)
			if err != nil {
				if errors.Is(err, mission.ErrInvalidEvent) {
					continue
				}
				return mission.State{}, fmt.Errorf("replay event %d: %w", se.EventID, err)
			}
			state = next
		}
		from = events[len(events)-1].EventID
	}
}
